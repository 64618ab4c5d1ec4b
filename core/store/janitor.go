// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package store

import (
	"context"
	"time"

	"github.com/relabs-tech/fleetstore/core/logger"
)

// Janitor removes expired items periodically. Reads already ignore expired
// items, the janitor only reclaims their space.
type Janitor struct {
	Sweeper  Sweeper
	Interval time.Duration
	Clock    func() time.Time
}

// Run sweeps every interval until ctx is done
func (j *Janitor) Run(ctx context.Context) {
	if j.Sweeper == nil || j.Interval <= 0 {
		return
	}
	clock := j.Clock
	if clock == nil {
		clock = time.Now
	}
	rlog := logger.FromContext(ctx)
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := j.Sweeper.Sweep(ctx, clock())
			if err != nil {
				rlog.WithError(err).Errorln("cannot sweep expired items")
				continue
			}
			if count > 0 {
				rlog.Debugf("swept %d expired items", count)
			}
		}
	}
}
