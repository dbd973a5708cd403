package relayerr

import "net/http"

// HTTPStatus maps an error kind to the status code REST handlers return.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindSessionNotFound:
		return http.StatusNotFound
	case KindRequestInvalid:
		return http.StatusBadRequest
	case KindSessionNotReady, KindCapabilityNotSupported:
		return http.StatusConflict
	case KindRPCTimeout:
		return http.StatusGatewayTimeout
	case KindConnectFailed, KindConnectionClosed, KindStreamDisconnected, KindProcessExited:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
