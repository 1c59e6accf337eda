package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starting document for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "app", "svctree":
		return appTemplate, nil
	case "remote":
		return remoteTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const appTemplate = `name = "root"
poll_interval = "1s"

[log]
level = "info"

[storage]
# empty uses the XDG base directories
root = ""

[platform]
# merged in order; later backends win when both implement an operation
backends = ["guess"]

[platform.podman]
binary = "podman"
image = "svctree:latest"
container = "svctree-server"
ports = ["8080:8080"]
# prebuilt svctreed copied into the image; empty looks beside this binary
# daemon_binary = "/usr/local/bin/svctreed"

# build from source instead of the released binary
# [platform.podman.source]
# repo = "https://github.com/danmuck/svctree.git"
# branch = "main"

[daemon]
command = "svctreed"
args = []
stop_grace = "10s"
# launch the daemon whenever the tree starts
autostart = false

[api]
enabled = true
addr = "127.0.0.1:7380"
cors_origins = ["http://localhost:3000"]
owner_token = "change-me"
# tls_cert = "/etc/svctree/api.crt"
# tls_key = "/etc/svctree/api.key"
`

const remoteTemplate = `name = "root"

[platform]
backends = ["podman"]

[platform.podman]
binary = "podman"
image = "svctree:latest"
container = "svctree-server"
ports = ["8080:8080"]

[platform.podman.ssh]
host = "raspberrypi"
user = "svc"
key_path = "/home/svc/.ssh/id_ed25519"

[api]
enabled = true
addr = "127.0.0.1:7380"
owner_token = "change-me"
`
