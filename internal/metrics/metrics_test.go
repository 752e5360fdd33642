package metrics

import "testing"

func TestRegister_IdempotentAcrossMultipleCallers(t *testing.T) {
	// Several components (control plane, status sampler, http server) all
	// call Register() during their own setup; none of them should panic
	// from a duplicate-registration error.
	Register()
	Register()
}
