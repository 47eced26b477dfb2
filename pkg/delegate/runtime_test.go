package delegate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/morezero/delegate-tunnel/pkg/executor"
)

const runtimeTestPrefix = "delegate:runtime_test"

func newRuntime() *Runtime {
	r := NewRuntime()
	r.RegisterCode(7, EchoProgram{})
	r.RegisterCode(8, EchoProgram{})
	return r
}

func instantiate(t *testing.T, r *Runtime, label string) string {
	t.Helper()
	res, undo := r.Run(context.Background(), executor.InstantiateOp{Admin: "tunnel", CodeID: 7, Msg: json.RawMessage(`{}`), Label: label})
	if !res.IsOk() {
		t.Fatalf("%s - instantiate failed: %s", runtimeTestPrefix, *res.Err)
	}
	if undo == nil {
		t.Fatalf("%s - instantiate should return an undo", runtimeTestPrefix)
	}
	var out executor.InstantiateResult
	if err := json.Unmarshal(res.Ok.Data, &out); err != nil {
		t.Fatalf("%s - result data: %v", runtimeTestPrefix, err)
	}
	return out.Address
}

func TestDeriveAddress(t *testing.T) {
	a := DeriveAddress("label", 1)
	if a != DeriveAddress("label", 1) {
		t.Errorf("%s - address not deterministic", runtimeTestPrefix)
	}
	if a == DeriveAddress("label", 2) || a == DeriveAddress("other", 1) {
		t.Errorf("%s - address collision", runtimeTestPrefix)
	}
	if !strings.HasPrefix(a, AddressPrefix) || len(a) < 40 {
		t.Errorf("%s - address = %q", runtimeTestPrefix, a)
	}
}

func TestInstantiate_UniqueAddressesAndUndo(t *testing.T) {
	r := newRuntime()
	a := instantiate(t, r, "same-label")
	b := instantiate(t, r, "same-label")
	if a == b {
		t.Fatalf("%s - same label produced the same address twice", runtimeTestPrefix)
	}
	inst, ok := r.Instance(a)
	if !ok || inst.CodeID != 7 || inst.Admin != "tunnel" {
		t.Errorf("%s - Instance = %+v, %v", runtimeTestPrefix, inst, ok)
	}

	res, undo := r.Run(context.Background(), executor.InstantiateOp{CodeID: 7, Label: "x"})
	var out executor.InstantiateResult
	_ = json.Unmarshal(res.Ok.Data, &out)
	undo()
	if _, ok := r.Instance(out.Address); ok {
		t.Errorf("%s - undo did not remove the delegate", runtimeTestPrefix)
	}
	if len(r.Instances()) != 2 {
		t.Errorf("%s - Instances = %d, want 2", runtimeTestPrefix, len(r.Instances()))
	}
}

func TestInstantiate_UnknownCode(t *testing.T) {
	r := newRuntime()
	res, undo := r.Run(context.Background(), executor.InstantiateOp{CodeID: 99, Label: "x"})
	if res.IsOk() || undo != nil {
		t.Fatalf("%s - expected failure without undo", runtimeTestPrefix)
	}
	if !strings.Contains(*res.Err, "99") {
		t.Errorf("%s - error = %q", runtimeTestPrefix, *res.Err)
	}
}

func TestExecute_EchoAndFail(t *testing.T) {
	r := newRuntime()
	addr := instantiate(t, r, "exec")
	ctx := context.Background()

	res, _ := r.Run(ctx, executor.ExecuteOp{Delegate: addr, Msg: json.RawMessage(`{"ping":1}`)})
	if !res.IsOk() || string(res.Ok.Data) != `{"ping":1}` {
		t.Errorf("%s - echo result = %+v", runtimeTestPrefix, res)
	}
	if v, _ := res.Ok.Events[0].Attr("_contract_address"); v != addr {
		t.Errorf("%s - event address = %q", runtimeTestPrefix, v)
	}

	res, _ = r.Run(ctx, executor.ExecuteOp{Delegate: addr, Msg: json.RawMessage(`{"fail":"boom"}`)})
	if res.IsOk() || *res.Err != "boom" {
		t.Errorf("%s - fail result = %+v", runtimeTestPrefix, res)
	}

	res, _ = r.Run(ctx, executor.ExecuteOp{Delegate: "dlgnothere", Msg: json.RawMessage(`{}`)})
	if res.IsOk() {
		t.Errorf("%s - execute on unknown delegate should fail", runtimeTestPrefix)
	}
}

func TestMigrate_SwapsCodeAndUndo(t *testing.T) {
	r := newRuntime()
	addr := instantiate(t, r, "mig")
	ctx := context.Background()

	res, undo := r.Run(ctx, executor.MigrateOp{Delegate: addr, NewCodeID: 8, Msg: json.RawMessage(`{}`)})
	if !res.IsOk() {
		t.Fatalf("%s - migrate failed: %s", runtimeTestPrefix, *res.Err)
	}
	if inst, _ := r.Instance(addr); inst.CodeID != 8 {
		t.Errorf("%s - CodeID = %d, want 8", runtimeTestPrefix, inst.CodeID)
	}
	undo()
	if inst, _ := r.Instance(addr); inst.CodeID != 7 {
		t.Errorf("%s - CodeID after undo = %d, want 7", runtimeTestPrefix, inst.CodeID)
	}

	res, _ = r.Run(ctx, executor.MigrateOp{Delegate: addr, NewCodeID: 42})
	if res.IsOk() {
		t.Errorf("%s - migrate to unknown code should fail", runtimeTestPrefix)
	}
	if inst, _ := r.Instance(addr); inst.CodeID != 7 {
		t.Errorf("%s - failed migrate changed code to %d", runtimeTestPrefix, inst.CodeID)
	}
}
