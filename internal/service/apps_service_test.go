package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chiwei-platform/fleetform/internal/config"
	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/eventstream"
	"github.com/chiwei-platform/fleetform/internal/port"
	"github.com/chiwei-platform/fleetform/internal/queue"
	"github.com/chiwei-platform/fleetform/internal/resolver"
	"github.com/chiwei-platform/fleetform/internal/statuschange"
)

type stubInfra struct {
	apps map[string][]domain.Service
}

func (s *stubInfra) FetchApps(_ context.Context) (map[string][]domain.Service, error) {
	if s.apps == nil {
		return map[string][]domain.Service{}, nil
	}
	return s.apps, nil
}
func (s *stubInfra) FetchAppOwners(_ context.Context, _ string) ([]domain.Owner, error) {
	return nil, nil
}
func (s *stubInfra) DeployServices(_ context.Context, appName, _ string, desired []domain.ServiceConfig, _ []string, _ port.RequestContext) ([]domain.Service, error) {
	observed := make([]domain.Service, len(desired))
	for i, c := range desired {
		observed[i] = domain.Service{Name: c.ServiceName, Type: c.Type, Image: c.Image, State: domain.ServiceRunning}
	}
	if s.apps == nil {
		s.apps = map[string][]domain.Service{}
	}
	s.apps[appName] = observed
	return observed, nil
}
func (s *stubInfra) DeleteApp(_ context.Context, appName, _ string) ([]domain.Service, error) {
	delete(s.apps, appName)
	return nil, nil
}
func (s *stubInfra) ChangeServiceStatus(_ context.Context, _, _ string, _ domain.ServiceState) error {
	return nil
}
func (s *stubInfra) StreamLogs(_ context.Context, _, _ string, _ *time.Time, _ bool) (<-chan port.LogLine, error) {
	return nil, domain.ErrNotSupported
}
func (s *stubInfra) BackupApp(_ context.Context, _ string) (*domain.Backup, error) {
	return nil, domain.ErrNotSupported
}
func (s *stubInfra) RestoreApp(_ context.Context, _ string, _ *domain.Backup) ([]domain.Service, error) {
	return nil, domain.ErrNotSupported
}
func (s *stubInfra) RunBootstrapContainer(_ context.Context, _, _ string, _ []string) (string, error) {
	return "", nil
}

var _ port.Infrastructure = (*stubInfra)(nil)

func newTestService(t *testing.T, infra *stubInfra, cfg *config.Config) (*AppsService, *queue.Memory) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{Applications: config.ApplicationsConfig{ReplicationCondition: config.ReplicateOnlyWhenRequested}}
	}
	res, err := resolver.New(cfg, &stubDigestResolverService{}, nil, nil)
	if err != nil {
		t.Fatalf("resolver.New: %v", err)
	}
	q := queue.NewMemory()
	svc := New(cfg, infra, res, q, statuschange.New(time.Minute), eventstream.New(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx, svc.HandleTask)

	return svc, q
}

type stubDigestResolverService struct{}

func (stubDigestResolverService) ResolveDigest(_ context.Context, _ string) (string, error) {
	return "", nil
}

func waitForStatus(t *testing.T, svc *AppsService, id string) domain.StatusChange {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sc, ok := svc.StatusChange(id); ok && sc.State != domain.StatusPending {
			return sc
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status change %s never completed", id)
	return domain.StatusChange{}
}

func TestCreateOrUpdate_DeploysAndReportsReady(t *testing.T) {
	infra := &stubInfra{}
	svc, _ := newTestService(t, infra, nil)

	id, err := svc.CreateOrUpdate(context.Background(), DeployRequest{
		AppName:  "myapp",
		Services: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	}, port.RequestContext{})
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	sc := waitForStatus(t, svc, id)
	if sc.State != domain.StatusReady {
		t.Fatalf("State = %q, want ready (err=%v)", sc.State, sc.Err)
	}
	if len(sc.Result) != 1 || sc.Result[0].Name != "web" {
		t.Errorf("Result = %+v", sc.Result)
	}
}

func TestCreateOrUpdate_RejectsInvalidAppName(t *testing.T) {
	svc, _ := newTestService(t, &stubInfra{}, nil)

	_, err := svc.CreateOrUpdate(context.Background(), DeployRequest{
		AppName:  "invalid app",
		Services: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	}, port.RequestContext{})
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestCreateOrUpdate_EnforcesApplicationsMax(t *testing.T) {
	cfg := &config.Config{Applications: config.ApplicationsConfig{Max: 1, ReplicationCondition: config.ReplicateOnlyWhenRequested}}
	infra := &stubInfra{apps: map[string][]domain.Service{"existing": {{Name: "web"}}}}
	svc, _ := newTestService(t, infra, cfg)

	_, err := svc.CreateOrUpdate(context.Background(), DeployRequest{
		AppName:  "new-app",
		Services: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	}, port.RequestContext{})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

// blockingInfra blocks inside DeployServices until release is closed, so a
// test can hold a deployment "in flight" long enough to observe a second
// concurrent request being rejected.
type blockingInfra struct {
	stubInfra
	release chan struct{}
}

func (b *blockingInfra) DeployServices(ctx context.Context, appName, statusID string, desired []domain.ServiceConfig, preserve []string, reqCtx port.RequestContext) ([]domain.Service, error) {
	<-b.release
	return b.stubInfra.DeployServices(ctx, appName, statusID, desired, preserve, reqCtx)
}

func TestCreateOrUpdate_RejectsConcurrentRequestForSameApp(t *testing.T) {
	infra := &blockingInfra{release: make(chan struct{})}
	svc, _ := newTestService(t, &infra.stubInfra, nil)
	svc.infra = infra

	req := DeployRequest{
		AppName:  "myapp",
		Services: []domain.ServiceConfig{{ServiceName: "web", Image: "nginx:1"}},
	}

	id, err := svc.CreateOrUpdate(context.Background(), req, port.RequestContext{})
	if err != nil {
		t.Fatalf("first CreateOrUpdate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var conflictErr error
	for time.Now().Before(deadline) {
		if _, err := svc.CreateOrUpdate(context.Background(), req, port.RequestContext{}); errors.Is(err, domain.ErrConflict) {
			conflictErr = err
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	close(infra.release)
	if conflictErr == nil {
		t.Fatalf("expected second concurrent CreateOrUpdate to be rejected with ErrConflict while the first is deploying")
	}

	waitForStatus(t, svc, id)
}

func TestDelete_RejectsConcurrentRequestForSameApp(t *testing.T) {
	infra := &stubInfra{apps: map[string][]domain.Service{"myapp": {{Name: "web"}}}}
	svc, _ := newTestService(t, infra, nil)

	if !svc.tryLock("myapp") {
		t.Fatalf("tryLock: expected to acquire lock")
	}
	defer svc.unlock("myapp")

	_, err := svc.Delete(context.Background(), "myapp")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestDelete_ReportsReady(t *testing.T) {
	infra := &stubInfra{apps: map[string][]domain.Service{"myapp": {{Name: "web"}}}}
	svc, _ := newTestService(t, infra, nil)

	id, err := svc.Delete(context.Background(), "myapp")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sc := waitForStatus(t, svc, id)
	if sc.State != domain.StatusReady {
		t.Fatalf("State = %q, want ready (err=%v)", sc.State, sc.Err)
	}
	if _, exists := infra.apps["myapp"]; exists {
		t.Errorf("app still present after delete")
	}
}
