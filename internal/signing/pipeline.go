package signing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/oshokin/flatpkg/internal/domain/build"
	"github.com/oshokin/flatpkg/internal/logger"
	"github.com/oshokin/flatpkg/internal/xar"
)

// ProbeSignatureSize signs an empty input and returns the signature length.
func ProbeSignatureSize(ctx context.Context, signer Signer) (int, error) {
	probe, err := signer.Sign(ctx, nil)
	if err != nil {
		return 0, build.NewStageError(build.StageSigning, fmt.Errorf("probe signature size: %w", err))
	}

	if len(probe) == 0 {
		return 0, build.NewStageError(build.StageSigning, fmt.Errorf("probe signature size: %w", errEmptySignature))
	}

	return len(probe), nil
}

// Pipeline runs the two-pass signing protocol over containers.
type Pipeline struct {
	signer Signer
}

// NewPipeline returns a pipeline signing with signer.
func NewPipeline(signer Signer) *Pipeline {
	return &Pipeline{signer: signer}
}

// SignBytes returns container signed: the size is probed, the slot and
// certificates are reserved, the digest info is signed and injected.
func (p *Pipeline) SignBytes(ctx context.Context, container []byte) ([]byte, error) {
	size, err := ProbeSignatureSize(ctx, p.signer)
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "signature size probed", "size", size)

	reserved, digestInfo, err := xar.Reserve(container, p.signer.Certificates(), size)
	if err != nil {
		return nil, build.NewStageError(build.StageSigning, err)
	}

	signature, err := p.signer.Sign(ctx, digestInfo)
	if err != nil {
		return nil, build.NewStageError(build.StageSigning, fmt.Errorf("sign digest info: %w", err))
	}

	if err = xar.Inject(reserved, signature); err != nil {
		return nil, build.NewStageError(build.StageSigning, err)
	}

	return reserved, nil
}

// Sign signs the container file at path in place.
func (p *Pipeline) Sign(ctx context.Context, path string) error {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return build.NewStageError(build.StageSigning, err)
	}

	container, err := os.ReadFile(path)
	if err != nil {
		return build.NewStageError(build.StageSigning, err)
	}

	signed, err := p.SignBytes(ctx, container)
	if err != nil {
		return err
	}

	if err = os.WriteFile(path, signed, info.Mode().Perm()); err != nil {
		return build.NewStageError(build.StageSigning, err)
	}

	return nil
}
