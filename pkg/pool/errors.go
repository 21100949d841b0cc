package pool

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrRPCUnavailable is matched by every RPCUnavailableError.
var ErrRPCUnavailable = errors.New("rpc unavailable")

// RPCUnavailableError reports a contract read that failed on every attempt.
type RPCUnavailableError struct {
	Address  common.Address
	Method   string
	Attempts int
	Err      error
}

func (e *RPCUnavailableError) Error() string {
	return fmt.Sprintf("rpc unavailable: %s on %s after %d attempts: %v", e.Method, e.Address.Hex(), e.Attempts, e.Err)
}

func (e *RPCUnavailableError) Unwrap() error { return e.Err }

func (e *RPCUnavailableError) Is(target error) bool { return target == ErrRPCUnavailable }
