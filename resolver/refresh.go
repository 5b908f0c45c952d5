package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	ps "github.com/mitchellh/go-ps"
	"golang.org/x/sync/errgroup"

	pnet "github.com/jinmuyano/proctraffic"
)

const socketLabel = "socket:["

// Refresh rebuilds the socket inode table from every running process and
// publishes it in one swap. Processes that exit or deny access mid-scan are
// skipped.
func (r *Resolver) Refresh(ctx context.Context) error {
	procs, err := r.procs()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	var (
		mu      sync.Mutex
		sockets = make(map[string]pnet.ProcessIdentity, 1000)
		jobs    = make(chan ps.Process)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for _, p := range procs {
			select {
			case jobs <- p:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			for p := range jobs {
				inodes, err := r.socketInodes(p.Pid())
				if err != nil {
					r.logger.Debug("skip pid=", p.Pid(), " err=", err)
					continue
				}
				if len(inodes) == 0 {
					continue
				}
				id := pnet.ProcessIdentity{Pid: int32(p.Pid()), Name: p.Executable()}
				mu.Lock()
				for _, inode := range inodes {
					sockets[inode] = id
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	rev := r.revision.Add(1)
	r.current.Store(newTable(rev, sockets))
	r.logger.Debug("socket table refreshed rev=", rev, " sockets=", len(sockets))
	return nil
}

// socketInodes reads /proc/<pid>/fd and returns the inodes of descriptors
// backed by a socket.
func (r *Resolver) socketInodes(pid int) ([]string, error) {
	dir := filepath.Join(r.procRoot, strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var inodes []string
	for _, e := range entries {
		name, err := os.Readlink(filepath.Join(dir, e.Name()))
		if err != nil {
			continue // descriptor closed since ReadDir
		}
		if !strings.HasPrefix(name, socketLabel) || !strings.HasSuffix(name, "]") {
			continue
		}
		inodes = append(inodes, name[len(socketLabel):len(name)-1])
	}
	return inodes, nil
}
