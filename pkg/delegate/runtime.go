// Package delegate runs the sub-operations the executor dispatches: it
// creates delegates, migrates them to new code and executes messages on them.
package delegate

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"

	"github.com/morezero/delegate-tunnel/pkg/executor"
	"github.com/morezero/delegate-tunnel/pkg/tunnel"
)

const logPrefix = "delegate:runtime"

// AddressPrefix starts every delegate address.
const AddressPrefix = "dlg"

// Instance is a created delegate.
type Instance struct {
	Address string    `json:"address"`
	Admin   string    `json:"admin"`
	CodeID  uint64    `json:"code_id"`
	Label   string    `json:"label"`
	Created time.Time `json:"created"`
}

// Store persists delegates so a Runtime can be rebuilt after a restart.
type Store interface {
	Load(ctx context.Context) ([]Instance, error)
	Save(ctx context.Context, inst Instance) error
	SetCode(ctx context.Context, address string, codeID uint64) error
	Delete(ctx context.Context, address string) error
}

// Runtime holds the registered programs and the delegates running them.
type Runtime struct {
	mu        sync.Mutex
	codes     map[uint64]Program
	instances map[string]*Instance
	seq       uint64
	store     Store
}

// NewRuntime creates an empty Runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		codes:     make(map[uint64]Program),
		instances: make(map[string]*Instance),
	}
}

// Restore loads the delegates saved in store and persists every later change
// there. It returns the number of delegates loaded.
func (r *Runtime) Restore(ctx context.Context, store Store) (int, error) {
	saved, err := store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s - restore: %w", logPrefix, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	for i := range saved {
		inst := saved[i]
		r.instances[inst.Address] = &inst
	}
	slog.Info(fmt.Sprintf("%s - Restored %d delegates", logPrefix, len(saved)))
	return len(saved), nil
}

// RegisterCode makes p available under codeID, replacing any previous program.
func (r *Runtime) RegisterCode(codeID uint64, p Program) {
	r.mu.Lock()
	r.codes[codeID] = p
	r.mu.Unlock()
}

// Run executes op and returns its outcome. undo reverts the state change op
// made; it is nil when there is nothing to revert.
func (r *Runtime) Run(ctx context.Context, op executor.Operation) (res tunnel.SubOpResult, undo func()) {
	switch o := op.(type) {
	case executor.InstantiateOp:
		return r.instantiate(ctx, o)
	case executor.MigrateOp:
		return r.migrate(ctx, o)
	case executor.ExecuteOp:
		return r.execute(ctx, o), nil
	}
	return tunnel.SubOpErr(fmt.Sprintf("unsupported operation %T", op)), nil
}

// Remove discards a delegate. Unknown addresses are ignored.
func (r *Runtime) Remove(address string) {
	r.mu.Lock()
	delete(r.instances, address)
	store := r.store
	r.mu.Unlock()

	if store != nil {
		if err := store.Delete(context.Background(), address); err != nil {
			slog.Error(fmt.Sprintf("%s - delete %s from store: %v", logPrefix, address, err))
		}
	}
}

// Instance returns the delegate at address.
func (r *Runtime) Instance(address string) (Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[address]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns all delegates ordered by address.
func (r *Runtime) Instances() []Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// DeriveAddress builds the address of the seq-th delegate created with label.
func DeriveAddress(label string, seq uint64) string {
	buf := make([]byte, 0, len(label)+8)
	buf = append(buf, label...)
	buf = binary.BigEndian.AppendUint64(buf, seq)
	h := blake2b.Sum256(buf)
	return AddressPrefix + base58.Encode(h[:])
}

// nextAddress derives a fresh address for label. The sequence restarts with
// the process, so addresses already held by restored delegates are skipped.
func (r *Runtime) nextAddress(label string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.seq++
		addr := DeriveAddress(label, r.seq)
		if _, taken := r.instances[addr]; !taken {
			return addr
		}
	}
}

func (r *Runtime) program(codeID uint64) (Program, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.codes[codeID]
	return p, ok
}

func (r *Runtime) instantiate(ctx context.Context, op executor.InstantiateOp) (tunnel.SubOpResult, func()) {
	p, ok := r.program(op.CodeID)
	if !ok {
		return tunnel.SubOpErr(fmt.Sprintf("no code with id %d", op.CodeID)), nil
	}

	addr := r.nextAddress(op.Label)

	env := Env{Address: addr, Admin: op.Admin, CodeID: op.CodeID, Label: op.Label}
	if _, err := p.Instantiate(ctx, env, op.Msg); err != nil {
		return tunnel.SubOpErr(err.Error()), nil
	}

	inst := Instance{Address: addr, Admin: op.Admin, CodeID: op.CodeID, Label: op.Label, Created: time.Now().UTC()}
	if r.store != nil {
		if err := r.store.Save(ctx, inst); err != nil {
			return tunnel.SubOpErr(fmt.Sprintf("persist delegate: %v", err)), nil
		}
	}
	r.mu.Lock()
	r.instances[addr] = &inst
	r.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - instantiated %s with code %d", logPrefix, addr, op.CodeID))

	data, err := json.Marshal(executor.InstantiateResult{Address: addr})
	if err != nil {
		r.Remove(addr)
		return tunnel.SubOpErr(err.Error()), nil
	}
	ev := tunnel.NewEvent("instantiate", "_contract_address", addr, "code_id", strconv.FormatUint(op.CodeID, 10))
	return tunnel.SubOpOk(data, ev), func() { r.Remove(addr) }
}

func (r *Runtime) migrate(ctx context.Context, op executor.MigrateOp) (tunnel.SubOpResult, func()) {
	p, ok := r.program(op.NewCodeID)
	if !ok {
		return tunnel.SubOpErr(fmt.Sprintf("no code with id %d", op.NewCodeID)), nil
	}

	r.mu.Lock()
	inst, ok := r.instances[op.Delegate]
	if !ok {
		r.mu.Unlock()
		return tunnel.SubOpErr(fmt.Sprintf("no delegate at %s", op.Delegate)), nil
	}
	oldCode := inst.CodeID
	inst.CodeID = op.NewCodeID
	env := Env{Address: inst.Address, Admin: inst.Admin, CodeID: inst.CodeID, Label: inst.Label}
	r.mu.Unlock()

	restore := func() {
		r.mu.Lock()
		if cur, ok := r.instances[op.Delegate]; ok {
			cur.CodeID = oldCode
		}
		r.mu.Unlock()
	}

	data, err := p.Migrate(ctx, env, op.Msg)
	if err != nil {
		restore()
		return tunnel.SubOpErr(err.Error()), nil
	}
	if r.store != nil {
		if err := r.store.SetCode(ctx, op.Delegate, op.NewCodeID); err != nil {
			restore()
			return tunnel.SubOpErr(fmt.Sprintf("persist delegate: %v", err)), nil
		}
		inMemory := restore
		restore = func() {
			inMemory()
			if err := r.store.SetCode(context.Background(), op.Delegate, oldCode); err != nil {
				slog.Error(fmt.Sprintf("%s - restore code of %s in store: %v", logPrefix, op.Delegate, err))
			}
		}
	}
	ev := tunnel.NewEvent("migrate", "_contract_address", op.Delegate, "code_id", strconv.FormatUint(op.NewCodeID, 10))
	return tunnel.SubOpOk(data, ev), restore
}

func (r *Runtime) execute(ctx context.Context, op executor.ExecuteOp) tunnel.SubOpResult {
	r.mu.Lock()
	inst, ok := r.instances[op.Delegate]
	var env Env
	if ok {
		env = Env{Address: inst.Address, Admin: inst.Admin, CodeID: inst.CodeID, Label: inst.Label}
	}
	r.mu.Unlock()
	if !ok {
		return tunnel.SubOpErr(fmt.Sprintf("no delegate at %s", op.Delegate))
	}

	p, ok := r.program(env.CodeID)
	if !ok {
		return tunnel.SubOpErr(fmt.Sprintf("no code with id %d", env.CodeID))
	}
	data, err := p.Execute(ctx, env, op.Msg)
	if err != nil {
		return tunnel.SubOpErr(err.Error())
	}
	return tunnel.SubOpOk(data, tunnel.NewEvent("execute", "_contract_address", op.Delegate))
}
