package license

import (
	"context"

	"github.com/Bakeneko/n8n/pkg/licensing"
)

// Authority is the remote license authority. It is the only I/O boundary of
// the coordinator; transports, TLS and request timeouts belong to the
// implementation. Failures should be *AuthorityError values so they can be
// classified; anything else is treated as transient.
type Authority interface {
	Renew(ctx context.Context, instanceID, tenantID string) (licensing.Grant, error)
	Activate(ctx context.Context, key string) (licensing.Grant, error)
	Reload(ctx context.Context) (licensing.Grant, error)
}

// CertificateSaver persists the raw certificate that came with a grant.
type CertificateSaver interface {
	SaveCertificate(ctx context.Context, cert string) error
}

// CertificateSaverFunc adapts a function to CertificateSaver.
type CertificateSaverFunc func(ctx context.Context, cert string) error

func (f CertificateSaverFunc) SaveCertificate(ctx context.Context, cert string) error {
	return f(ctx, cert)
}

// saveCertificate hands cert to the saver without blocking the caller.
// Failures are logged and otherwise ignored.
func (s *Scheduler) saveCertificate(ctx context.Context, saver CertificateSaver, cert string, version uint64) {
	if saver == nil || cert == "" {
		return
	}
	logger := s.logger
	go func() {
		if err := saver.SaveCertificate(context.WithoutCancel(ctx), cert); err != nil {
			logger.Warn().Err(err).Uint64("version", version).Msg("Failed to persist license certificate")
		}
	}()
}
