package workerpool

import (
	"errors"

	"github.com/kenneth/sealdrop/internal/crypto"
)

func errorType(err error) string {
	switch {
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrWorkerTask):
		return "worker"
	default:
		return "other"
	}
}
