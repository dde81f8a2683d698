package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/grpc/metadata"
)

// fingerprintLen is the number of digest bytes kept in a fingerprint.
const fingerprintLen = 8

// Attach returns a context whose outgoing metadata carries the credential
// under header. The value is forwarded byte for byte, empty included.
func Attach(ctx context.Context, header, credential string) (context.Context, error) {
	header = strings.ToLower(header)
	if header == "" {
		return nil, fmt.Errorf("credential header name is empty")
	}
	if strings.HasPrefix(header, "grpc-") || strings.HasPrefix(header, ":") {
		return nil, fmt.Errorf("credential header %q is reserved", header)
	}

	return metadata.AppendToOutgoingContext(ctx, header, credential), nil
}

// Fingerprint identifies a credential in logs without revealing it.
func Fingerprint(credential string) string {
	if credential == "" {
		return "empty"
	}

	sum := blake2b.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:fingerprintLen])
}
