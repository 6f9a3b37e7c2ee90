//go:build !darwin

package permissions

// Other platforms have no per-app privacy prompts.
func microphoneStatus() Status    { return Authorized }
func accessibilityStatus() Status { return Authorized }
