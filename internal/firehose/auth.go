package firehose

import (
	"fmt"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// PerformVipAuth streams a digest and signature blob to the device
// inside `<cmd authenticate="true"/>` headers per §4.3. The blobs are
// opaque to this client — the operator supplies them (§1 Non-goals:
// no cryptographic generation here).
func (c *Client) PerformVipAuth(digest, signature []byte) (bool, error) {
	if err := c.sendCommand("cmd", [][2]string{{"authenticate", "true"}}); err != nil {
		return false, fmt.Errorf("vip auth header write: %w", err)
	}
	if err := c.t.Write(digest); err != nil {
		return false, fmt.Errorf("vip auth digest write: %w", err)
	}
	if err := c.t.Write(signature); err != nil {
		return false, fmt.Errorf("vip auth signature write: %w", err)
	}
	resp, err := c.awaitResponse(vipAuthTimeout)
	if err != nil {
		return false, err
	}
	return resp.ok(), nil
}

// xiaomiSignatureCount bounds the precomputed signature indices tried
// by XiaomiMiAuth before giving up (§4.3's "fixed list of precomputed
// signature indices").
const xiaomiSignatureCount = 8

// XiaomiSignature returns the fixed opaque payload for signature
// index i (0..xiaomiSignatureCount-1). Real signature bytes are
// vendor-supplied; this client only owns the bypass iteration order,
// per §1's Non-goal on cryptographic generation.
type XiaomiSignature func(index int) []byte

// XiaomiMiAuth iterates signatures 0..N-1 via sig, issuing an
// authenticate command with each until the device ACKs. The first
// success is final; exhausting the list without an ACK is AuthFailed.
func (c *Client) XiaomiMiAuth(sig XiaomiSignature) error {
	for i := 0; i < xiaomiSignatureCount; i++ {
		payload := sig(i)
		if err := c.sendCommand("cmd", [][2]string{{"authenticate", "true"}, {"sig_index", fmt.Sprint(i)}}); err != nil {
			return fmt.Errorf("miauth header write: %w", err)
		}
		if err := c.t.Write(payload); err != nil {
			return fmt.Errorf("miauth signature write: %w", err)
		}
		resp, err := c.awaitResponse(vipAuthTimeout)
		if err != nil {
			continue
		}
		if resp.ok() {
			return nil
		}
	}
	return fmt.Errorf("miauth: exhausted %d signature indices: %w", xiaomiSignatureCount, edlerr.ErrAuthFailed)
}
