package lineage

import (
	"context"
)

// CheckResult compares a data version's recorded hash with its file.
type CheckResult struct {
	Key      string `json:"key"`
	Version  int    `json:"version"`
	Path     string `json:"path"`
	Recorded string `json:"recorded"`
	Current  string `json:"current"`
	Match    bool   `json:"match"`
}

// Check re-hashes the file of the latest materialized version of key.
// A key without versions reports types.ErrNotFound; a missing file reports
// types.ErrIO.
func (r *Recorder) Check(ctx context.Context, key string) (CheckResult, error) {
	v, err := r.store.LatestVersion(ctx, key)
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{
		Key:      v.Key,
		Version:  v.Version,
		Path:     v.StoragePath,
		Recorded: v.ContentHash,
	}
	current, err := r.hasher.HashFile(r.layout.Abs(v.StoragePath))
	if err != nil {
		return res, err
	}
	res.Current = current
	res.Match = current == v.ContentHash
	if !res.Match {
		r.obs.Log().Warn().Str("key", key).Int("version", v.Version).Msg("data file differs from recorded hash")
	}
	return res, nil
}
