package boost

import (
	"time"

	"codeberg.org/mutker/cpuboostd/internal/cpufreq"
	"codeberg.org/mutker/cpuboostd/internal/errors"
)

// retry runs op up to attempts times while it reports the policy as
// unavailable, sleeping backoff*attempt in between. Other errors are returned
// at once.
func retry(attempts int, backoff time.Duration, op func() error) error {
	var err error

	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil || !cpufreq.IsUnavailable(err) {
			return err
		}

		if attempt < attempts && backoff > 0 {
			time.Sleep(backoff * time.Duration(attempt))
		}
	}

	return errors.New().Wrap(ErrRetriesExhausted, err)
}
