// Package services is the composition and lifecycle core of svctree.
//
// Every service embeds Base and calls Init with itself so that cascades,
// path composition and capability resolution dispatch to the concrete
// type's overrides:
//
//	type Storage struct {
//		services.Base
//	}
//
//	func NewStorage(parent services.Service) (*Storage, error) {
//		s := &Storage{}
//		if err := s.Init(s, services.WithKind(StorageKind), services.WithParent(parent)); err != nil {
//			return nil, err
//		}
//		return s, nil
//	}
//
// Nodes form a tree. Start and Stop cascade depth first, Run fans out over
// children and joins them, and Merge folds several services into a single
// Composite that occupies one point of the tree.
package services
