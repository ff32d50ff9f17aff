package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

const indexDir = "index"

// BuildIndexSnapshotPath returns the key of one immutable embedding
// snapshot, ordered by generation time.
func BuildIndexSnapshotPath(tenantID string, generatedAt time.Time) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	ts := generatedAt.UTC()
	return path.Join(
		tenantID,
		indexDir,
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("snapshot-%d.parquet", ts.UnixMilli()),
	), nil
}

// BuildLatestIndexPath returns the key readers load; writers overwrite it
// after each successful snapshot.
func BuildLatestIndexPath(tenantID string) (string, error) {
	if err := validatePathComponent(tenantID, "tenant id"); err != nil {
		return "", err
	}
	return path.Join(tenantID, indexDir, "latest.parquet"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
