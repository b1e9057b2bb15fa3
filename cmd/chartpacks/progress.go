package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/jobrunner/chartpacks/internal/domain"
	"github.com/jobrunner/chartpacks/internal/ports/output"
)

// progressBars renders one terminal bar per pack being installed.
type progressBars struct {
	ctx     context.Context
	catalog output.Catalog

	mu   sync.Mutex
	pool *pb.Pool
	bars map[string]*pb.ProgressBar
}

func newProgressBars(ctx context.Context, catalog output.Catalog) *progressBars {
	return &progressBars{
		ctx:     ctx,
		catalog: catalog,
		bars:    make(map[string]*pb.ProgressBar),
	}
}

// Update is an install status callback. It is safe for concurrent use.
func (p *progressBars) Update(st domain.PackStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := st.RegionID + "/" + st.PackID
	bar, ok := p.bars[key]
	if !ok {
		if st.State != domain.PackDownloading {
			return
		}
		bar = p.newBar(key, p.expectedSize(st))
		p.bars[key] = bar
	}

	switch st.State {
	case domain.PackDownloading:
		if st.Progress != nil {
			if st.Progress.TotalBytes > 0 && st.Progress.TotalBytes != bar.Total {
				bar.SetTotal64(st.Progress.TotalBytes)
			}
			bar.Set64(st.Progress.BytesDownloaded)
		}
	case domain.PackExtracting:
		bar.Postfix(" extracting")
	case domain.PackInstalled:
		bar.Postfix(" installed")
		bar.Set64(bar.Total)
		bar.Finish()
	case domain.PackFailed:
		bar.Postfix(" failed")
		bar.Finish()
	}
}

// Stop finishes the bars still running and releases the terminal.
func (p *progressBars) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, bar := range p.bars {
		bar.Finish()
	}
	if p.pool != nil {
		if err := p.pool.Stop(); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		p.pool = nil
	}
}

func (p *progressBars) newBar(key string, total int64) *pb.ProgressBar {
	bar := pb.New64(total).Prefix(fmt.Sprintf("%-20s ", key))
	bar.SetUnits(pb.U_BYTES)
	bar.SetRefreshRate(250 * time.Millisecond)
	bar.ShowSpeed = true

	if p.pool == nil {
		pool, err := pb.StartPool(bar)
		if err == nil {
			p.pool = pool
			return bar
		}
		// No terminal: fall back to a standalone bar
		bar.Start()
		return bar
	}
	p.pool.Add(bar)
	return bar
}

// expectedSize returns the transfer size reported so far, or the
// catalog's size for the pack.
func (p *progressBars) expectedSize(st domain.PackStatus) int64 {
	if st.Progress != nil && st.Progress.TotalBytes > 0 {
		return st.Progress.TotalBytes
	}
	region, err := p.catalog.Region(p.ctx, st.RegionID)
	if err != nil {
		return 0
	}
	if pack, ok := region.Pack(st.PackID); ok {
		return pack.Size
	}
	return 0
}
