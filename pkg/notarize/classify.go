package notarize

// altool and stapler exit codes that indicate transient service trouble.
const (
	exitNetworkFailure        = 13  // hostname lookup failed
	exitMissingUploadMetadata = 176 // upload metadata not found
	exitUploadProvider        = 236 // exception from the upload provider
	exitRequestNotFound       = 239 // request unknown to the service
	exitJVMCrash              = 240 // altool's JVM segfaulted
	exitUploadGeneric         = 250 // generic upload error

	exitStapleCloudKit = 65
	exitStapleDNS      = 68

	productErrorUUIDNotFound = 1519
)

// submitRetryable reports whether a failed --notarize-app upload may be
// attempted again.
func submitRetryable(code int) bool {
	switch code {
	case exitNetworkFailure, exitMissingUploadMetadata, exitUploadProvider, exitJVMCrash, exitUploadGeneric:
		return true
	}
	return false
}

// stapleRetryable reports whether a failed stapler run may be attempted again.
func stapleRetryable(code int) bool {
	return code == exitStapleCloudKit || code == exitStapleDNS
}

// pollTolerable reports whether a failed --notarization-info query should be
// treated as still in progress. A freshly submitted request can be unknown
// to the status endpoint for a while.
func pollTolerable(code int, stdout []byte) bool {
	switch code {
	case exitNetworkFailure:
		return true
	case exitRequestNotFound:
		out, err := parseOutput(stdout)
		return err == nil && out.hasProductError(productErrorUUIDNotFound)
	}
	return false
}
