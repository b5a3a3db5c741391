package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/fbdriver/api"
	"github.com/tomyedwab/fbdriver/buffer"
	"github.com/tomyedwab/fbdriver/dberrors"
	"github.com/tomyedwab/fbdriver/types"
)

// Service is a service manager session. It implements api.Service. Jobs run
// in a goroutine and write their output into a jobOutput.
type Service struct {
	engine *Engine
	host   string
	user   *principal
	id     string
	logger *slog.Logger

	mu       sync.Mutex
	out      *jobOutput
	action   types.ServerAction
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	detached bool
}

var _ api.Service = (*Service)(nil)

// job is the body of one service action.
type job func(ctx context.Context, args *buffer.Buffer, out *jobOutput) error

func newService(e *Engine, host string, user *principal) *Service {
	id := uuid.New().String()
	return &Service{
		engine: e,
		host:   host,
		user:   user,
		id:     id,
		logger: e.logger.With("service", id),
	}
}

func errServiceBusy() error {
	return serverError("HY000", -901, gdsServiceBusy, "Service is currently busy", nil)
}

func errServiceDetached() error {
	return serverError("08003", -904, gdsIOError, "service handle is detached", nil)
}

func (s *Service) requireAdmin(action types.ServerAction) error {
	if !s.engine.cfg.RequireAuth || s.user.admin {
		return nil
	}
	return serverError("28000", -551, 335544352,
		fmt.Sprintf("no permission for %s operation", action), nil)
}

func (s *Service) jobFor(action types.ServerAction) (job, error) {
	switch action {
	case types.ActionBackup:
		return s.backup, nil
	case types.ActionRestore:
		return s.restore, nil
	case types.ActionDBStats:
		return s.dbStats, nil
	case types.ActionValidate:
		return s.validate, nil
	case types.ActionGetFBLog:
		return s.getLog, nil
	case types.ActionAddUser:
		return s.addUser, nil
	case types.ActionModifyUser:
		return s.modifyUser, nil
	case types.ActionDeleteUser:
		return s.deleteUser, nil
	case types.ActionDisplayUser:
		return s.displayUser, nil
	case types.ActionRepair, types.ActionProperties:
		return nil, dberrors.NotSupportedf("service action %s is not supported by the embedded engine", action)
	}
	return nil, dberrors.NotSupportedf("unknown service action %d", int(action))
}

// Start runs a job. Only one job runs at a time; a finished job whose
// output has not been read keeps the service busy.
func (s *Service) Start(ctx context.Context, spb []byte) error {
	action, args, err := buffer.ParseStart(spb)
	if err != nil {
		return err
	}
	run, err := s.jobFor(action)
	if err != nil {
		return err
	}
	if action != types.ActionDisplayUser {
		if err := s.requireAdmin(action); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return errServiceDetached()
	}
	if s.out != nil && s.out.running() {
		return errServiceBusy()
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	out := newJobOutput()
	s.out, s.action = out, action
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		started := time.Now()
		err := run(jobCtx, args, out)
		out.finish(err)
		s.engine.metrics.ServiceJob(action.String(), err)
		if err != nil {
			s.logger.Warn("service job failed", "action", action.String(), "error", err)
			return
		}
		s.logger.Debug("service job finished", "action", action.String(), "duration", time.Since(started))
	}()
	s.logger.Debug("service job started", "action", action.String())
	return nil
}

// ReadLine returns the next line of output. After the last line it reports
// the job error, once.
func (s *Service) ReadLine(ctx context.Context, timeout time.Duration) (string, bool, error) {
	s.mu.Lock()
	out, detached := s.out, s.detached
	s.mu.Unlock()
	if detached {
		return "", false, errServiceDetached()
	}
	if out == nil {
		return "", false, nil
	}
	return out.next(ctx, timeout)
}

func (s *Service) Running() bool {
	s.mu.Lock()
	out := s.out
	s.mu.Unlock()
	return out != nil && out.running()
}

// Detach cancels a running job and waits for it.
func (s *Service) Detach() error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return errServiceDetached()
	}
	s.detached = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.engine.forgetService(s)
	s.logger.Info("service manager detached")
	return nil
}

func argString(args *buffer.Buffer, tag byte) string {
	if it, ok := args.Find(tag); ok {
		return it.String()
	}
	return ""
}

func argInt(args *buffer.Buffer, tag byte) (int64, bool) {
	if it, ok := args.Find(tag); ok {
		return it.Int, true
	}
	return 0, false
}

func requiredArg(args *buffer.Buffer, tag byte, what string) (string, error) {
	v := argString(args, tag)
	if v == "" {
		return "", dberrors.Interfacef("service request is missing the %s", what)
	}
	return v, nil
}
