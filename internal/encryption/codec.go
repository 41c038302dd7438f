// Package encryption protects file bytes before they leave the server.
//
// Content is encrypted with AES-256-CBC and PKCS#7 padding. The key is the
// SHA-256 digest of a per-user secret and a random 16-byte IV is appended
// after the ciphertext:
//
//	[ciphertext ...][iv (16 bytes)]
//
// Because the IV trails the data, decryption needs either random access to
// the tail (Decrypt) or the whole stream buffered first (DecryptStream).
// A wrong secret is not detectable in general: it usually fails the padding
// check, but it may also yield garbage output.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	ivSize    = aes.BlockSize
	blockSize = aes.BlockSize
	bufSize   = 64 * 1024
)

var (
	// ErrDecryption is returned for a malformed trailer, a ciphertext of
	// invalid length or invalid padding.
	ErrDecryption = errors.New("decryption failed")

	// ErrIO is returned when reading the source or writing the output fails.
	ErrIO = errors.New("encryption i/o failed")
)

// DeriveKey returns the 32-byte AES key for secret.
func DeriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func newBlock(secret string) cipher.Block {
	// A 32-byte key is always accepted.
	block, _ := aes.NewCipher(DeriveKey(secret))
	return block
}

// Encrypt streams src through the cipher into dst and appends the IV.
// It returns the number of bytes written to dst.
func Encrypt(dst io.Writer, src io.Reader, secret string) (int64, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return 0, fmt.Errorf("%w: generate iv: %w", ErrIO, err)
	}
	mode := cipher.NewCBCEncrypter(newBlock(secret), iv)

	buf := make([]byte, bufSize, bufSize+blockSize)
	var written int64
	for {
		n, err := io.ReadFull(src, buf[:bufSize])
		switch {
		case err == nil:
			mode.CryptBlocks(buf, buf)
			if err := write(dst, buf, &written); err != nil {
				return written, err
			}
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			final := pad(buf[:n])
			mode.CryptBlocks(final, final)
			if err := write(dst, final, &written); err != nil {
				return written, err
			}
			if err := write(dst, iv, &written); err != nil {
				return written, err
			}
			return written, nil
		default:
			return written, fmt.Errorf("%w: read source: %w", ErrIO, err)
		}
	}
}

// EncryptFile encrypts the file at srcPath into "<srcPath>.enc" and returns
// the new path. The output is written to a temp file and renamed into place.
func EncryptFile(srcPath, secret string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %w", ErrIO, filepath.Base(srcPath), err)
	}
	defer src.Close()

	dstPath := srcPath + ".enc"
	tmp, err := os.CreateTemp(filepath.Dir(srcPath), ".mycloud-*.enc.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: create temp: %w", ErrIO, err)
	}
	tmpName := tmp.Name()

	if _, err := Encrypt(tmp, src, secret); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: close temp: %w", ErrIO, err)
	}
	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: rename temp: %w", ErrIO, err)
	}
	return dstPath, nil
}

// Decrypt decrypts size bytes of src, an encrypted payload with its IV
// trailer, into dst. It returns the number of plaintext bytes written.
func Decrypt(dst io.Writer, src io.ReaderAt, size int64, secret string) (int64, error) {
	ctLen := size - ivSize
	if ctLen < blockSize {
		return 0, fmt.Errorf("%w: payload of %d bytes is too short", ErrDecryption, size)
	}
	if ctLen%blockSize != 0 {
		return 0, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryption, ctLen)
	}

	iv := make([]byte, ivSize)
	if n, err := src.ReadAt(iv, ctLen); n != ivSize {
		return 0, fmt.Errorf("%w: read iv: %w", ErrIO, err)
	}
	mode := cipher.NewCBCDecrypter(newBlock(secret), iv)

	body := io.NewSectionReader(src, 0, ctLen)
	buf := make([]byte, bufSize)
	remaining := ctLen
	var written int64
	for remaining > 0 {
		chunk := buf
		if remaining < int64(len(chunk)) {
			chunk = buf[:remaining]
		}
		if _, err := io.ReadFull(body, chunk); err != nil {
			return written, fmt.Errorf("%w: read ciphertext: %w", ErrIO, err)
		}
		remaining -= int64(len(chunk))

		mode.CryptBlocks(chunk, chunk)
		if remaining == 0 {
			var err error
			if chunk, err = unpad(chunk); err != nil {
				return written, err
			}
		}
		if err := write(dst, chunk, &written); err != nil {
			return written, err
		}
	}
	return written, nil
}

// DecryptStream decrypts a forward-only stream. The IV sits at the end, so
// the whole input is spooled to a temporary file in tmpDir first; the file
// is removed before returning.
func DecryptStream(dst io.Writer, src io.Reader, secret, tmpDir string) (int64, error) {
	spool, err := os.CreateTemp(tmpDir, "mycloud-decrypt-*")
	if err != nil {
		return 0, fmt.Errorf("%w: create spool: %w", ErrIO, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	size, err := io.Copy(spool, src)
	if err != nil {
		return 0, fmt.Errorf("%w: buffer stream: %w", ErrIO, err)
	}
	return Decrypt(dst, spool, size, secret)
}

func write(dst io.Writer, p []byte, written *int64) error {
	n, err := dst.Write(p)
	*written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: write output: %w", ErrIO, err)
	}
	return nil
}

// pad appends PKCS#7 padding. b must have capacity for one extra block.
func pad(b []byte) []byte {
	n := blockSize - len(b)%blockSize
	for i := 0; i < n; i++ {
		b = append(b, byte(n))
	}
	return b
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty final block", ErrDecryption)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryption)
		}
	}
	return b[:len(b)-n], nil
}
