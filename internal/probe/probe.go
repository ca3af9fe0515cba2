// Package probe implements the one-shot SSH connectivity test: TCP connect,
// handshake, auth, and a trivial remote command, all within a deadline.
//
// The prober is purely functional — it never touches the account store.
// Callers persist its verdict onto the Connection record.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// Result kinds.
const (
	ResultOK             = "ok"
	ResultFailed         = "failed"
	ResultTimeout        = "timeout"
	ResultHostKeyChanged = "host_key_changed"
)

// Result is the typed outcome of a connection test.
type Result struct {
	Result             string `json:"result"`
	LatencyMs          int64  `json:"latencyMs,omitempty"`
	HostKeyFingerprint string `json:"hostKeyFingerprint,omitempty"`
	OldFingerprint     string `json:"oldFingerprint,omitempty"`
	NewFingerprint     string `json:"newFingerprint,omitempty"`
	Message            string `json:"message,omitempty"`
}

// Prober runs connection tests. The zero value is usable; DefaultTimeout
// applies when the caller passes no deadline.
type Prober struct {
	DefaultTimeout time.Duration
}

// DefaultTimeout for a full probe when none is supplied.
const DefaultTimeout = 10 * time.Second

// New creates a prober with the default timeout.
func New() *Prober {
	return &Prober{DefaultTimeout: DefaultTimeout}
}

// hostKeyMismatchError aborts the handshake when a pinned fingerprint
// no longer matches what the host presents.
type hostKeyMismatchError struct {
	old, new string
}

func (e *hostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key changed: pinned %s, presented %s", e.old, e.new)
}

// TestConnection dials (host, port), authenticates user with the PEM
// private key, and runs `true` remotely. expectedFingerprint, when set,
// pins the host key; a mismatch yields host_key_changed.
func (p *Prober) TestConnection(ctx context.Context, host string, port int, user string, privateKeyPEM []byte, expectedFingerprint string, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = p.DefaultTimeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
	}

	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return &Result{Result: ResultFailed, Message: "invalid private key"}
	}

	var presented string
	cfg := &ssh.ClientConfig{
		User:    user,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		Timeout: timeout,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			presented = ssh.FingerprintSHA256(key)
			if expectedFingerprint != "" && presented != expectedFingerprint {
				return &hostKeyMismatchError{old: expectedFingerprint, new: presented}
			}
			return nil
		},
	}

	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if isTimeout(err) || dialCtx.Err() != nil {
			return &Result{Result: ResultTimeout, Message: "connect timed out"}
		}
		return &Result{Result: ResultFailed, Message: "connect failed: " + err.Error()}
	}
	// The handshake below honors cfg.Timeout via this deadline.
	_ = conn.SetDeadline(time.Now().Add(timeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		var mismatch *hostKeyMismatchError
		if errors.As(err, &mismatch) {
			return &Result{
				Result:         ResultHostKeyChanged,
				OldFingerprint: mismatch.old,
				NewFingerprint: mismatch.new,
			}
		}
		if isTimeout(err) {
			return &Result{Result: ResultTimeout, Message: "handshake timed out"}
		}
		return &Result{Result: ResultFailed, Message: "ssh handshake failed: " + err.Error()}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	// Clear the handshake deadline, then re-arm for the command.
	_ = conn.SetDeadline(time.Now().Add(timeout))

	session, err := client.NewSession()
	if err != nil {
		if isTimeout(err) {
			return &Result{Result: ResultTimeout, Message: "session open timed out"}
		}
		return &Result{Result: ResultFailed, Message: "session open failed: " + err.Error()}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		if isTimeout(err) {
			return &Result{Result: ResultTimeout, Message: "remote command timed out"}
		}
		return &Result{Result: ResultFailed, Message: "remote command failed: " + err.Error()}
	}

	return &Result{
		Result:             ResultOK,
		LatencyMs:          time.Since(start).Milliseconds(),
		HostKeyFingerprint: presented,
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}
