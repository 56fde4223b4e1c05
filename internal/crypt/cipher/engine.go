// Package cipher drives the black-box cipher/AEAD engines named by a
// cipher spec and implements the key & cipher lifecycle: parsing the
// spec, allocating one engine per CPU-striped instance, and installing,
// rotating, or wiping keys across them.
//
// Engine is deliberately shaped after an asynchronous crypto driver even
// though every concrete engine in this package completes synchronously:
// the converter must handle inline, in-progress, and backlogged
// completions uniformly, and modeling that as a real three-way return
// keeps the converter honest against engines that do not complete inline.
// No engine in this module returns ResultBacklog. Hardware-offload cipher
// specs are rejected when a mapping is constructed; there is no offload
// pipeline.
package cipher

import (
	"errors"

	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
)

// Result is the outcome of submitting a request to an Engine.
type Result int

const (
	// ResultOK means the operation is complete; Data/Tag were updated
	// synchronously and Done is not invoked.
	ResultOK Result = iota
	// ResultInProgress means the engine accepted the request and will
	// invoke Done exactly once, later, from any goroutine.
	ResultInProgress
	// ResultBacklog means the engine's internal queue was full; it has
	// queued the request and will invoke Done twice: once with
	// ResultInProgress when the queued request starts processing, then
	// once with the final result when it completes.
	ResultBacklog
)

// Done is the completion callback an Engine invokes for ResultInProgress
// and ResultBacklog outcomes.
type Done func(res Result, err error)

// ErrIntegrity is returned (synchronously or via Done) when AEAD tag
// verification, or an HMAC integrity check, fails on a read.
var ErrIntegrity = errors.New("cipher: integrity check failed")

// Engine is the per-cipher-slot black box the converter drives. A mapping
// holds tfms_count Engines; the Request's EngineIndex, set by the
// Assembler, picks which one handles a given sector.
type Engine interface {
	// SetKey installs subkeySize bytes of key material. Must only be
	// called while the owning mapping is suspended.
	SetKey(key []byte) error
	// Wipe invalidates the engine's key schedule without freeing it,
	// mirroring dm-crypt's crypt_wipe.
	Wipe()

	BlockSize() int
	IVSize() int
	IsAEAD() bool
	TagSize() int

	// Encrypt/Decrypt run req.Data (and, for AEAD, authenticate req.AAD()
	// into/out of req.Tag) in place. done is invoked only when the result
	// is ResultInProgress or ResultBacklog.
	Encrypt(req *request.Request, done Done) (Result, error)
	Decrypt(req *request.Request, done Done) (Result, error)
}
