package httpc

import (
	"net/http"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	c := NewClient(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v", c.Timeout)
	}
	tr, ok := c.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T", c.Transport)
	}
	if tr.TLSHandshakeTimeout == 0 || tr.DialContext == nil {
		t.Error("transport timeouts not set")
	}
}

func TestNewClient_DefaultTimeout(t *testing.T) {
	if c := NewClient(0); c.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", c.Timeout, DefaultTimeout)
	}
}
