package cartridge

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/contracts"
)

type fakeCartridge struct {
	id              string
	contractVersion string
	initErr         error
	healthErr       error
	execute         ExecuteFunc
	initialized     bool
}

func (f *fakeCartridge) ID() string              { return f.id }
func (f *fakeCartridge) ContractVersion() string { return f.contractVersion }

func (f *fakeCartridge) Initialize(ctx context.Context, config map[string]any) error {
	f.initialized = true
	return f.initErr
}

func (f *fakeCartridge) EnrichContext(ctx context.Context, actionType string, params map[string]any) (map[string]any, error) {
	return params, nil
}

func (f *fakeCartridge) Execute(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
	if f.execute != nil {
		return f.execute(ctx, actionType, params, ec)
	}
	return &contracts.ExecutionResult{Success: true}, nil, nil
}

func (f *fakeCartridge) GetRiskInput(ctx context.Context, actionType string, params map[string]any) (*contracts.RiskInput, error) {
	return &contracts.RiskInput{BaseRisk: contracts.RiskLow}, nil
}

func (f *fakeCartridge) GetGuardrails(ctx context.Context) (*contracts.GuardrailSpec, error) {
	return &contracts.GuardrailSpec{}, nil
}

func (f *fakeCartridge) HealthCheck(ctx context.Context) error { return f.healthErr }

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestRegisterContractVersionGate(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr bool
	}{
		{"exact", "1.0.0", false},
		{"newer minor", "1.4.2", false},
		{"older major", "0.9.0", true},
		{"next major", "2.0.0", true},
		{"garbage", "not-semver", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := NewRegistry(discard())
			require.NoError(t, err)
			err = reg.Register(context.Background(), &fakeCartridge{id: "ads", contractVersion: tc.version}, nil)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterDuplicateAndInit(t *testing.T) {
	reg, err := NewRegistry(discard())
	require.NoError(t, err)

	c := &fakeCartridge{id: "ads", contractVersion: "1.0.0"}
	require.NoError(t, reg.Register(context.Background(), c, map[string]any{"k": "v"}))
	assert.True(t, c.initialized)

	err = reg.Register(context.Background(), &fakeCartridge{id: "ads", contractVersion: "1.0.0"}, nil)
	assert.ErrorContains(t, err, "already registered")

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	failing := &fakeCartridge{id: "crm", contractVersion: "1.0.0", initErr: errors.New("no credentials")}
	err = reg.Register(context.Background(), failing, nil)
	require.Error(t, err)
	_, err = reg.Get("crm")
	assert.ErrorIs(t, err, contracts.ErrNotFound, "failed initialization must not register")
}

type orderInterceptor struct {
	label string
	seen  *[]string
}

func (o orderInterceptor) Wrap(cartridgeID string, next ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
		*o.seen = append(*o.seen, o.label)
		return next(ctx, actionType, params, ec)
	}
}

func TestExecuteInterceptorOrder(t *testing.T) {
	var seen []string
	reg, err := NewRegistry(discard(),
		orderInterceptor{label: "outer", seen: &seen},
		orderInterceptor{label: "inner", seen: &seen},
	)
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), &fakeCartridge{id: "ads", contractVersion: "1.0.0"}, nil))

	result, _, err := reg.Execute(context.Background(), "ads", "ads.pause", nil, contracts.ExecutionContext{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"outer", "inner"}, seen)
}

func TestTimeoutInterceptor(t *testing.T) {
	reg, err := NewRegistry(discard(), TimeoutInterceptor{Timeout: 10 * time.Millisecond})
	require.NoError(t, err)

	slow := &fakeCartridge{
		id: "ads", contractVersion: "1.0.0",
		execute: func(ctx context.Context, actionType string, params map[string]any, ec contracts.ExecutionContext) (*contracts.ExecutionResult, *contracts.UndoRecipe, error) {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(time.Second):
				return &contracts.ExecutionResult{Success: true}, nil, nil
			}
		},
	}
	require.NoError(t, reg.Register(context.Background(), slow, nil))

	_, _, err = reg.Execute(context.Background(), "ads", "ads.pause", nil, contracts.ExecutionContext{})
	assert.ErrorIs(t, err, contracts.ErrTimeout)
}

func TestHealth(t *testing.T) {
	reg, err := NewRegistry(discard())
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), &fakeCartridge{id: "ads", contractVersion: "1.0.0"}, nil))
	require.NoError(t, reg.Register(context.Background(), &fakeCartridge{id: "crm", contractVersion: "1.1.0", healthErr: errors.New("unreachable")}, nil))

	failures := reg.Health(context.Background())
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, "crm")
	assert.Equal(t, []string{"ads", "crm"}, reg.IDs())
}
