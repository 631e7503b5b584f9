//go:build unix

package process

import (
	"context"
	"testing"
	"time"

	"github.com/ccheshirecat/wasmharness/internal/harness/console"
	"github.com/ccheshirecat/wasmharness/internal/harness/launcher"
	"github.com/ccheshirecat/wasmharness/internal/shared/logging"
)

func collect(sub *console.Subscription) []console.Message {
	var out []console.Message
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func waitDone(t *testing.T, inst launcher.Instance) {
	t.Helper()
	select {
	case <-inst.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("process did not exit")
	}
}

func TestCommandRelaysOutputInOrder(t *testing.T) {
	emitter := console.NewEmitter()
	sub := emitter.Subscribe(16)
	defer sub.Cancel()

	inst, err := New(logging.Discard()).Launch(context.Background(), launcher.LaunchSpec{
		RunID:    "run-1",
		URL:      "http://127.0.0.1:9876/?run=run-1",
		ExecPath: "/bin/sh",
		Flags:    []string{"-c", `echo one; echo "$1"; echo three; echo oops >&2`, "sh"},
		Console:  emitter,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitDone(t, inst)
	if err := inst.Err(); err != nil {
		t.Fatalf("exit: %v", err)
	}

	var stdout []string
	var stderr []string
	for _, msg := range collect(sub) {
		if msg.RunID != "run-1" {
			t.Fatalf("message without run id: %+v", msg)
		}
		switch msg.Source {
		case console.SourceStdout:
			stdout = append(stdout, msg.Text)
		case console.SourceStderr:
			stderr = append(stderr, msg.Text)
		}
	}
	want := []string{"one", "http://127.0.0.1:9876/?run=run-1", "three"}
	if len(stdout) != len(want) {
		t.Fatalf("stdout = %v", stdout)
	}
	for i := range want {
		if stdout[i] != want[i] {
			t.Fatalf("stdout[%d] = %q, want %q", i, stdout[i], want[i])
		}
	}
	if len(stderr) != 1 || stderr[0] != "oops" {
		t.Fatalf("stderr = %v", stderr)
	}
}

func TestCommandReportsExitStatus(t *testing.T) {
	inst, err := New(logging.Discard()).Launch(context.Background(), launcher.LaunchSpec{
		ExecPath: "/bin/sh",
		Flags:    []string{"-c", "exit 3", "sh"},
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitDone(t, inst)
	if inst.Err() == nil {
		t.Fatalf("expected exit error")
	}
	if code := inst.(*instance).ExitCode(); code != 3 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestCommandStopTerminatesGroup(t *testing.T) {
	inst, err := New(logging.Discard()).Launch(context.Background(), launcher.LaunchSpec{
		ExecPath:    "/bin/sh",
		Flags:       []string{"-c", "sleep 30; echo late", "sh"},
		KillTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitDone(t, inst)
	if err := inst.Err(); err != nil {
		t.Fatalf("stopped process should not report an error: %v", err)
	}
	if err := inst.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestCommandOnPty(t *testing.T) {
	emitter := console.NewEmitter()
	sub := emitter.Subscribe(16)
	defer sub.Cancel()

	inst, err := New(logging.Discard()).Launch(context.Background(), launcher.LaunchSpec{
		ExecPath: "/bin/sh",
		Flags:    []string{"-c", "echo hello", "sh"},
		Options:  map[string]string{"tty": "true"},
		Console:  emitter,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	waitDone(t, inst)

	msgs := collect(sub)
	if len(msgs) == 0 || msgs[0].Text != "hello" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestCommandRequiresExecPath(t *testing.T) {
	if _, err := New(logging.Discard()).Launch(context.Background(), launcher.LaunchSpec{}); err == nil {
		t.Fatalf("expected error without exec path")
	}
}
