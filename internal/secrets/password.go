package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/okelmann/fleet/internal/cmdutil"
	"github.com/okelmann/fleet/internal/local"
)

const passwordChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword produces a 12-character alphanumeric password from
// crypto/rand.
func GeneratePassword() (string, error) {
	const size = 12
	buf := make([]byte, size)
	max := big.NewInt(int64(len(passwordChars)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		buf[i] = passwordChars[n.Int64()]
	}
	return string(buf), nil
}

// HashPassword produces the sha-512 crypt hash of a password via mkpasswd,
// delivering the password on stdin so it never appears in an argv.
func HashPassword(ctx context.Context, exec local.Execer, password string) (string, error) {
	out, err := local.ExecChecked(ctx, exec,
		cmdutil.New("mkpasswd", "-m", "sha-512", "-s").WithStdin(password))
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return out.Text(), nil
}
