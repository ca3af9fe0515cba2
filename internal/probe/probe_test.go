package probe

import (
	"context"
	"testing"
	"time"

	"github.com/claudinethelobster/clawfather/internal/crypto"
)

func TestTestConnection_InvalidKey(t *testing.T) {
	p := New()
	res := p.TestConnection(context.Background(), "192.0.2.1", 22, "deploy",
		[]byte("not a pem key"), "", 100*time.Millisecond)

	if res.Result != ResultFailed {
		t.Fatalf("expected failed for invalid key, got %+v", res)
	}
}

func TestTestConnection_Unreachable(t *testing.T) {
	kp, err := crypto.GenerateKeypair("test")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	p := New()
	start := time.Now()
	// 192.0.2.1 is TEST-NET-1: guaranteed not to answer.
	res := p.TestConnection(context.Background(), "192.0.2.1", 22, "deploy",
		kp.PrivatePEM, "", 200*time.Millisecond)

	if res.Result == ResultOK {
		t.Fatalf("unreachable host reported ok")
	}
	if res.Result != ResultTimeout && res.Result != ResultFailed {
		t.Errorf("expected timeout or failed, got %q", res.Result)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("probe ignored its budget: took %v", elapsed)
	}
}

func TestTestConnection_RefusedIsFailedNotTimeout(t *testing.T) {
	kp, err := crypto.GenerateKeypair("test")
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	p := New()
	// Nothing listens on this localhost port; connect is refused immediately.
	res := p.TestConnection(context.Background(), "127.0.0.1", 1, "deploy",
		kp.PrivatePEM, "", time.Second)

	if res.Result != ResultFailed {
		t.Fatalf("expected failed for refused connection, got %+v", res)
	}
	if res.Message == "" {
		t.Errorf("failed result should carry a message")
	}
}
