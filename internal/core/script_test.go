package core

import (
	"context"
	"testing"
	"time"
)

func runScript(t *testing.T, ctx context.Context, source string) error {
	t.Helper()
	body := &ScriptBody{Path: "test.js", Source: source, Logger: discardLogger()}
	return body.Run(ctx)
}

func TestScriptBody(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		wantErr string
	}{
		{
			name:   "sync success",
			source: `module.exports = { execute: function () { console.log("hi"); } };`,
		},
		{
			name:   "async success",
			source: `module.exports.execute = async function () { sleep(1); return { success: true }; };`,
		},
		{
			name:    "thrown error",
			source:  `module.exports.execute = function () { throw new Error("disk full"); };`,
			wantErr: "disk full",
		},
		{
			name:    "rejected promise",
			source:  `module.exports.execute = async function () { throw new Error("remote unreachable"); };`,
			wantErr: "remote unreachable",
		},
		{
			name:    "failure result",
			source:  `module.exports.execute = function () { return { success: false, error: "quota exceeded" }; };`,
			wantErr: "quota exceeded",
		},
		{
			name:    "missing execute",
			source:  `module.exports = { name: "x" };`,
			wantErr: "execute is not a function",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := runScript(t, context.Background(), tc.source)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestScriptBodyTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runScript(t, ctx, `module.exports.execute = function () { while (true) {} };`)
	if err == nil || err.Error() != "script timed out" {
		t.Fatalf("error = %v", err)
	}
}

func TestScriptTimers(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		wantErr string
	}{
		{
			name: "await timer",
			source: `module.exports.execute = async function () {
				var order = [];
				await new Promise(function (resolve) { setTimeout(function () { order.push("b"); resolve(); }, 10); order.push("a"); });
				if (order.join("") !== "ab") throw new Error("order " + order.join(""));
			};`,
		},
		{
			name: "timers fire in due order",
			source: `module.exports.execute = function () {
				var seen = [];
				return new Promise(function (resolve) {
					setTimeout(function () { seen.push(2); resolve(); }, 20);
					setTimeout(function (v) { seen.push(v); }, 1, 1);
				}).then(function () {
					if (seen.join(",") !== "1,2") throw new Error("seen " + seen.join(","));
				});
			};`,
		},
		{
			name: "rejected by timer",
			source: `module.exports.execute = async function () {
				await new Promise(function (_, reject) { setTimeout(function () { reject(new Error("upstream 503")); }, 1); });
			};`,
			wantErr: "upstream 503",
		},
		{
			name: "cleared timer never settles",
			source: `module.exports.execute = function () {
				return new Promise(function (resolve) { clearTimeout(setTimeout(resolve, 1)); });
			};`,
			wantErr: "execute returned a promise that did not settle",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := runScript(t, context.Background(), tc.source)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestScriptTimerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := runScript(t, ctx, `module.exports.execute = async function () {
		await new Promise(function (resolve) { setTimeout(resolve, 60000); });
	};`)
	if err == nil || err.Error() != "script timed out" {
		t.Fatalf("error = %v", err)
	}
}

func TestScriptExecHost(t *testing.T) {
	skipOnWindows(t)
	source := `module.exports.execute = function () {
		var res = exec("echo out; exit 2");
		if (res.code !== 2) throw new Error("code " + res.code);
		if (res.output.trim() !== "out") throw new Error("output " + res.output);
	};`
	if err := runScript(t, context.Background(), source); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
