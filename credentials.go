package resourcelife

import (
	"context"

	"resourcelife/scope"
)

// RotationEvent signals that a new version of a credential is available.
type RotationEvent struct {
	CredentialID        string
	NewVersionAvailable bool
}

// CredentialProvider is the contract a secret backend implements for the
// manager to consume. The core never stores or rotates credentials itself;
// it only reacts to rotation events by draining the pools of kinds that
// declared a dependency on the rotated credential. Secret material returned
// by Get is passed to factories and never logged or embedded in errors.
type CredentialProvider interface {
	Get(ctx context.Context, credentialID string, sctx scope.ScopedContext) ([]byte, error)
	SubscribeRotation() <-chan RotationEvent
}

// WatchCredentialRotations consumes provider's rotation stream, triggering
// drain-and-replace for every dependent kind's pools, until ctx is cancelled
// or the stream closes. Outstanding guards are unaffected; only future
// acquires see the rebuilt pools.
func (m *Manager) WatchCredentialRotations(ctx context.Context, provider CredentialProvider) {
	go func() {
		ch := provider.SubscribeRotation()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				m.NotifyCredentialRotated(ctx, ev.CredentialID)
			}
		}
	}()
}
