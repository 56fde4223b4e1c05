// Package convert implements the converter: it drives one I/O's
// conversion context through its sector extent, dispatching each sector
// to a cipher engine and handling the three ways an engine can finish a
// request — inline, asynchronously, or backlogged.
package convert

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-ublk/internal/crypt/cipher"
	"github.com/ehrlich-b/go-ublk/internal/crypt/request"
)

// ErrIntegrity is the context-level failure for a tag/HMAC mismatch.
var ErrIntegrity = errors.New("convert: integrity mismatch")

// ErrIO is the context-level failure for any other cipher engine error.
var ErrIO = errors.New("convert: crypto engine error")

// EngineSet selects one of a mapping's tfms_count cipher engines by index.
type EngineSet interface {
	Engine(index int) cipher.Engine
}

// Engines is the straightforward slice-backed EngineSet.
type Engines []cipher.Engine

func (e Engines) Engine(index int) cipher.Engine { return e[index%len(e)] }

// Block is one sector's worth of a context's extent.
type Block struct {
	Sector uint64
	Data   []byte
	Meta   request.Meta
}

// Context is the crypto-facing half of "I/O context": an
// ordered extent of Blocks to convert, plus the pending-operations counter
// and sticky error that govern when the whole I/O is done.
type Context struct {
	Write  bool
	Blocks []Block

	pending int32 // atomic; includes one token held by the driver loop itself while it is dispatching

	errMu sync.Mutex
	err   error

	restart chan struct{}

	finalizeOnce sync.Once
	done         func(ctx *Context, err error)
}

func (ctx *Context) fail(err error) {
	ctx.errMu.Lock()
	if ctx.err == nil {
		ctx.err = err
	}
	ctx.errMu.Unlock()
}

func (ctx *Context) failed() bool {
	ctx.errMu.Lock()
	defer ctx.errMu.Unlock()
	return ctx.err != nil
}

// Err returns the context's sticky error, if any, after completion.
func (ctx *Context) Err() error {
	ctx.errMu.Lock()
	defer ctx.errMu.Unlock()
	return ctx.err
}

// Converter drives Contexts through an Assembler and an EngineSet. One
// Converter is owned by a mapping and shared across every context it
// drives; it holds no per-context state itself.
type Converter struct {
	Assembler *request.Assembler
	Engines   EngineSet
	Integrity cipher.IntegrityProfile // nil unless an hmac or authenc integrity profile is configured (AEAD tags are checked by the engine)
	Pool      *request.Pool
}

// Run starts converting ctx on its own goroutine. done is invoked exactly
// once, when the context's pending counter reaches zero, with the sticky
// error (nil on success). Run returns immediately; the caller does not
// block on conversion.
func (c *Converter) Run(ctx *Context, done func(ctx *Context, err error)) {
	ctx.restart = make(chan struct{}, 1)
	ctx.done = done
	atomic.AddInt32(&ctx.pending, 1) // driver-loop token, released when dispatch finishes
	go c.drive(ctx)
}

func (c *Converter) drive(ctx *Context) {
	for i := range ctx.Blocks {
		if ctx.failed() {
			break
		}
		blk := &ctx.Blocks[i]

		req := c.Pool.Get()
		req.Owner = ctx
		if err := c.Assembler.Assemble(req, blk.Sector, blk.Data, blk.Meta, ctx.Write); err != nil {
			c.Pool.Put(req)
			ctx.fail(err)
			break
		}

		engine := c.Engines.Engine(req.EngineIndex)
		atomic.AddInt32(&ctx.pending, 1)
		done := c.completion(ctx, req)

		var res cipher.Result
		var err error
		if ctx.Write {
			res, err = engine.Encrypt(req, done)
		} else {
			res, err = engine.Decrypt(req, done)
		}

		switch res {
		case cipher.ResultOK:
			c.finishInline(ctx, req, err)
		case cipher.ResultInProgress:
			// Ownership of req passed to the completion closure; it will
			// be finished (and released) from there, on any goroutine.
		case cipher.ResultBacklog:
			<-ctx.restart
			// Treat as in-progress: the same completion closure above
			// will still fire the final decrement once the driver's
			// backlogged request actually finishes.
		}
	}
	c.release(ctx) // release the driver-loop token taken in Run
}

// completion builds the Done callback for one in-flight request. A Done
// invocation carrying ResultInProgress is the restart
// signal fired when a previously backlogged request has begun processing —
// not a real completion — so it only wakes the driver loop. Any other
// invocation (ResultOK, or an error) is the request's true completion.
func (c *Converter) completion(ctx *Context, req *request.Request) cipher.Done {
	return func(res cipher.Result, err error) {
		if res == cipher.ResultInProgress {
			select {
			case ctx.restart <- struct{}{}:
			default:
			}
			return
		}
		c.finishInline(ctx, req, err)
	}
}

// finishInline finalizes one request's result, whether it arrived inline
// from the driver loop or asynchronously from a completion callback: runs
// the IV generator's post hook, authenticates or verifies the non-AEAD
// integrity tag, recycles the request, and decrements the pending counter.
func (c *Converter) finishInline(ctx *Context, req *request.Request, err error) {
	switch {
	case errors.Is(err, cipher.ErrIntegrity):
		ctx.fail(ErrIntegrity)
	case err != nil:
		ctx.fail(ErrIO)
	default:
		if postErr := c.Assembler.PostIV(req, ctx.Write); postErr != nil {
			ctx.fail(postErr)
		} else if c.Integrity != nil && req.Tag != nil {
			if ctx.Write {
				c.Integrity.Authenticate(req.Tag, req.SectorLE, req.Data)
			} else if !c.Integrity.Verify(req.Tag, req.SectorLE, req.Data) {
				ctx.fail(ErrIntegrity)
			}
		}
	}
	c.Pool.Put(req)
	c.release(ctx)
}

func (c *Converter) release(ctx *Context) {
	if atomic.AddInt32(&ctx.pending, -1) == 0 {
		ctx.finalizeOnce.Do(func() {
			ctx.done(ctx, ctx.Err())
		})
	}
}
