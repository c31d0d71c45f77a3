package baselayer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/shardbft/pkg/storage"
	"github.com/uhyunpark/shardbft/pkg/util"
)

// EpochSink receives what the scanner reads from the base layer.
type EpochSink interface {
	AddValidatorNodeRegistration(ctx context.Context, blockHeight uint64, reg ValidatorNodeRegistration) error
	UpdateEpoch(ctx context.Context, blockHeight uint64, blockHash BlockHash) error
	OnScanningComplete(ctx context.Context) error
}

// Scanner follows the base layer, staying Confirmations blocks behind the tip.
// The next height to scan is persisted in the global DB so a restart resumes
// where it stopped.
type Scanner struct {
	Client        Client
	Sink          EpochSink
	DB            storage.GlobalDB
	Confirmations uint64
	Interval      time.Duration
	Logger        *zap.SugaredLogger
}

func NewScanner(client Client, sink EpochSink, db storage.GlobalDB, confirmations uint64, interval time.Duration) *Scanner {
	return &Scanner{
		Client:        client,
		Sink:          sink,
		DB:            db,
		Confirmations: confirmations,
		Interval:      interval,
	}
}

// Run scans once immediately and then every Interval. A failed cycle is
// logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) error {
	log := util.OrNop(s.Logger)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.ScanOnce(ctx); err != nil {
			log.Warnw("base_layer_scan_failed", "err", err)
		} else if n > 0 {
			log.Debugw("base_layer_scanned", "blocks", n)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ScanOnce processes every confirmed block not yet scanned and returns how
// many blocks it processed.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	tip, err := s.Client.GetTipInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("tip info: %w", err)
	}
	if tip.HeightOfLongestChain < s.Confirmations {
		return 0, nil
	}
	target := tip.HeightOfLongestChain - s.Confirmations

	next, err := s.nextHeight()
	if err != nil {
		return 0, err
	}
	scanned := 0
	for h := next; h <= target; h++ {
		if err := ctx.Err(); err != nil {
			return scanned, err
		}
		if err := s.scanBlock(ctx, h); err != nil {
			return scanned, fmt.Errorf("block %d: %w", h, err)
		}
		scanned++
	}
	if err := s.Sink.OnScanningComplete(ctx); err != nil {
		return scanned, fmt.Errorf("scanning complete: %w", err)
	}
	return scanned, nil
}

func (s *Scanner) scanBlock(ctx context.Context, height uint64) error {
	b, err := s.Client.GetBlock(ctx, height)
	if err != nil {
		return err
	}
	for _, reg := range b.Registrations {
		if err := s.Sink.AddValidatorNodeRegistration(ctx, height, reg); err != nil {
			return fmt.Errorf("registration %x: %w", []byte(reg.PublicKey), err)
		}
	}
	if err := s.Sink.UpdateEpoch(ctx, height, b.Header.Hash); err != nil {
		return err
	}
	return storage.WithGlobalTx(s.DB, func(tx storage.GlobalTx) error {
		return tx.SetMetadata(storage.MetadataBaseLayerScannerLastScannedHeight, height)
	})
}

func (s *Scanner) nextHeight() (uint64, error) {
	var (
		last uint64
		ok   bool
	)
	err := storage.ViewGlobal(s.DB, func(tx storage.GlobalTx) error {
		var err error
		ok, err = tx.GetMetadata(storage.MetadataBaseLayerScannerLastScannedHeight, &last)
		return err
	})
	if err != nil || !ok {
		return 0, err
	}
	return last + 1, nil
}
