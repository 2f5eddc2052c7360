package playbook

import (
	"strings"
	"time"

	"github.com/adaefler-art/codefactory-control/internal/canon"
)

const hourBucketLayout = "2006-01-02-15"

// HourBucket is the UTC hour t falls in, as YYYY-MM-DD-HH.
func HourBucket(t time.Time) string {
	return t.UTC().Format(hourBucketLayout)
}

// Key builds an idempotency key. The parts are folded into a short digest so
// arbitrary values (ARNs, URLs) never leak into the key verbatim; equal
// inputs always give equal keys.
func Key(playbookID, stepID, incidentKey string, parts map[string]any) string {
	key := strings.Join([]string{playbookID, stepID, incidentKey}, ":")
	if len(parts) == 0 {
		return key
	}
	suffix, err := canon.ShortDigest(parts, 16)
	if err != nil {
		// parts are built from strings by the step key funcs
		panic("playbook: idempotency key parts not canonical: " + err.Error())
	}
	return key + ":" + suffix
}
