package workerpool

import (
	"fmt"
	"io"

	"github.com/kenneth/sealdrop/internal/crypto"
)

// Task is a unit of chunk work. It is a closed set: EncryptTask and
// DecryptTask are the only implementations.
type Task interface {
	isTask()
}

// EncryptTask reads [Offset, Offset+Length) from Source and encrypts it.
// Prefix, when set, is placed in front of the framed chunk.
type EncryptTask struct {
	Part   int
	Key    *crypto.Key
	Source io.ReaderAt
	Offset int64
	Length int
	Prefix []byte
}

// DecryptTask opens one framed chunk.
type DecryptTask struct {
	Index  int
	Key    *crypto.Key
	Framed []byte
}

func (EncryptTask) isTask() {}
func (DecryptTask) isTask() {}

// Result is the output of a completed task. Data holds the framed chunk for
// EncryptTask and the plaintext for DecryptTask.
type Result struct {
	Data      []byte
	Plaintext int64
}

func operation(t Task) string {
	switch t.(type) {
	case EncryptTask, *EncryptTask:
		return "encrypt"
	case DecryptTask, *DecryptTask:
		return "decrypt"
	default:
		return "unknown"
	}
}

func execute(t Task) (Result, error) {
	switch t := t.(type) {
	case EncryptTask:
		return executeEncrypt(&t)
	case *EncryptTask:
		return executeEncrypt(t)
	case DecryptTask:
		return executeDecrypt(&t)
	case *DecryptTask:
		return executeDecrypt(t)
	default:
		return Result{}, fmt.Errorf("%w: unsupported task type %T", ErrWorkerTask, t)
	}
}

func executeEncrypt(t *EncryptTask) (Result, error) {
	if t.Length < 0 {
		return Result{}, fmt.Errorf("part %d: negative length %d", t.Part, t.Length)
	}
	buf := make([]byte, t.Length)
	if t.Length > 0 {
		n, err := t.Source.ReadAt(buf, t.Offset)
		if n < t.Length {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return Result{}, fmt.Errorf("part %d: failed to read %d bytes at offset %d: %w", t.Part, t.Length, t.Offset, err)
		}
	}

	framed, err := crypto.EncryptChunkWithPrefix(t.Prefix, buf, t.Key)
	if err != nil {
		return Result{}, fmt.Errorf("part %d: %w", t.Part, err)
	}
	return Result{Data: framed, Plaintext: int64(t.Length)}, nil
}

func executeDecrypt(t *DecryptTask) (Result, error) {
	plain, err := crypto.DecryptChunk(t.Framed, t.Key)
	if err != nil {
		return Result{}, fmt.Errorf("chunk %d: %w", t.Index, err)
	}
	return Result{Data: plain, Plaintext: int64(len(plain))}, nil
}
