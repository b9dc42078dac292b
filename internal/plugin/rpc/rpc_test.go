package rpc

import "testing"

func TestValidHostToWorker(t *testing.T) {
	for _, typ := range []Type{TypeInit, TypeInvoke, TypeResponse, TypeShutdown} {
		if !ValidHostToWorker(typ) {
			t.Errorf("expected %q to be valid host->worker", typ)
		}
	}
	if ValidHostToWorker("bogus") {
		t.Error("expected bogus type to be rejected")
	}
	if ValidHostToWorker(TypeReady) {
		t.Error("ready is a worker->host type, must not validate as host->worker")
	}
}

func TestValidWorkerToHost(t *testing.T) {
	for _, typ := range []Type{TypeReady, TypeError, TypeHostRequest, TypePermissionRequest, TypeResponse} {
		if !ValidWorkerToHost(typ) {
			t.Errorf("expected %q to be valid worker->host", typ)
		}
	}
	if !ValidWorkerToHost("register-command") {
		t.Error("expected register-command to be valid worker->host")
	}
	if ValidWorkerToHost("register-") {
		t.Error("bare register- prefix with no kind must be rejected")
	}
	if ValidWorkerToHost("bogus") {
		t.Error("expected bogus type to be rejected")
	}
}

func TestRegisterKind(t *testing.T) {
	if got := RegisterKind("register-command"); got != "command" {
		t.Errorf("RegisterKind = %q, want %q", got, "command")
	}
	if got := RegisterKind(TypeReady); got != "" {
		t.Errorf("RegisterKind(ready) = %q, want empty", got)
	}
}

func TestIDAllocatorMonotonic(t *testing.T) {
	a := NewIDAllocator("p1")
	first := a.Next()
	second := a.Next()
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
	if first != "p1-1" || second != "p1-2" {
		t.Errorf("unexpected ids: %q, %q", first, second)
	}
}
