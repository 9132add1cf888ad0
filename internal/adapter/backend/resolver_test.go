package backend

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/security"
)

func newTestResolver(t *testing.T) (*Resolver, *[]string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := security.NewWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(ws, config.Defaults().Managed, logger.Discard())
	var created []string
	r.newClient = func(_ context.Context, region string) (ssmAPI, error) {
		created = append(created, region)
		return &fakeSSM{}, nil
	}
	return r, &created
}

func TestResolverOpenByKind(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	tests := []struct {
		target domain.TargetDescriptor
		kind   domain.TargetKind
	}{
		{domain.LocalTarget(), domain.TargetLocal},
		{domain.TargetDescriptor{Name: "web", Kind: domain.TargetSSH, Host: "10.0.0.5", User: "deploy", Password: "pw"}, domain.TargetSSH},
		{domain.TargetDescriptor{Name: "fleet", Kind: domain.TargetManaged, InstanceID: "i-0abc"}, domain.TargetManaged},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			b, err := r.Open(ctx, tt.target)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer b.Close()
			if b.Kind() != tt.kind || b.Name() != tt.target.Name {
				t.Errorf("kind, name = %s, %s", b.Kind(), b.Name())
			}
		})
	}
}

func TestResolverRejectsBadTargets(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := r.Open(ctx, domain.TargetDescriptor{Name: "x", Kind: "telnet"})
	if !errors.Is(err, domain.ErrUnsupportedTarget) {
		t.Errorf("unknown kind: err = %v", err)
	}
	_, err = r.Open(ctx, domain.TargetDescriptor{Name: "m", Kind: domain.TargetManaged})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("managed without instance: err = %v", err)
	}
	_, err = r.Open(ctx, domain.TargetDescriptor{Name: "w", Kind: domain.TargetSSH, Host: "h", User: "u", Password: "p", Platform: domain.PlatformWindows})
	if !errors.Is(err, domain.ErrUnsupportedTarget) {
		t.Errorf("windows ssh: err = %v", err)
	}
}

func TestResolverCachesClientPerRegion(t *testing.T) {
	r, created := newTestResolver(t)
	ctx := context.Background()

	for _, region := range []string{"eu-west-1", "", "eu-west-1", "us-east-1"} {
		if _, err := r.Executor(ctx, region); err != nil {
			t.Fatal(err)
		}
	}
	// "" selects the default region, us-east-1.
	if len(*created) != 2 {
		t.Errorf("clients created for %v, want eu-west-1 and us-east-1 once each", *created)
	}
}

func TestResolverClientFailure(t *testing.T) {
	r, _ := newTestResolver(t)
	r.newClient = func(context.Context, string) (ssmAPI, error) { return nil, errors.New("no credentials") }

	_, err := r.Open(context.Background(), domain.TargetDescriptor{Name: "m", Kind: domain.TargetManaged, InstanceID: "i-1"})
	if !errors.Is(err, domain.ErrBackendTransport) {
		t.Errorf("err = %v, want ErrBackendTransport", err)
	}
}

func TestManagedBackendDelegatesToExecutor(t *testing.T) {
	r, _ := newTestResolver(t)
	api := &fakeSSM{invs: []invocation{status("Success", "hello\n", 0)}}
	r.newClient = func(context.Context, string) (ssmAPI, error) { return api, nil }

	b, err := r.Open(context.Background(), domain.TargetDescriptor{Name: "m", Kind: domain.TargetManaged, InstanceID: "i-1", WorkDir: "/opt/app"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := b.ExecuteCommand(context.Background(), "echo hello", domain.ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hello\n" || res.Errored {
		t.Errorf("res = %+v", res)
	}
	if got := api.sends[0].Parameters["commands"][0]; got != "cd '/opt/app'; echo hello" {
		t.Errorf("command = %q", got)
	}
}
