package observability

// ServiceMetrics feeds service tree events into the prometheus collectors.
// Install it with services.SetObserver.
type ServiceMetrics struct{}

func (ServiceMetrics) Transition(path string, running bool) {
	RecordTransition(path, running)
}

func (ServiceMetrics) Called(path, capability string, err error) {
	RecordCapabilityCall(path, capability, err == nil)
}
