package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/buildstream-go/buildstream/cas"
	"github.com/buildstream-go/buildstream/casd"
)

// dialEmbeddedCAS starts a casd.Daemon rooted at <cacheDir>/cas in this
// process and connects to it over an in-memory net.Pipe, for deployments
// that don't run a separate CAS daemon process, §4.9 "local CAS daemon
// accessible via a Unix domain socket" generalised to "or an equivalent
// in-process transport for the single-binary case".
func dialEmbeddedCAS(ctx context.Context, cacheDir string) (*cas.Client, error) {
	d, err := casd.Open(filepath.Join(cacheDir, "cas"), 0)
	if err != nil {
		return nil, errors.Wrap(err, "opening local cas daemon")
	}

	pl := &casd.PipeListener{}
	srv := d.NewServer()
	go srv.Serve(pl)

	cc, err := cas.DialEmbedded(ctx, pl.Dialer)
	if err != nil {
		return nil, errors.Wrap(err, "dialing embedded cas daemon")
	}
	return cc, nil
}
