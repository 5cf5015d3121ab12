package redis

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotInfo summarises the store's on-disk persistence. Snapshot timing is
// owned by the store's own `save` policy; this is read-only.
type SnapshotInfo struct {
	Dir              string    `json:"dir"`
	SavePolicy       string    `json:"save_policy"`
	LastSave         time.Time `json:"last_save"`
	ChangesSinceSave int64     `json:"changes_since_save"`
	BgsaveInProgress bool      `json:"bgsave_in_progress"`
	LastBgsaveStatus string    `json:"last_bgsave_status"`
	AOFEnabled       bool      `json:"aof_enabled"`
}

// Enabled reports whether any form of persistence is configured.
func (s SnapshotInfo) Enabled() bool {
	return strings.TrimSpace(s.SavePolicy) != "" || s.AOFEnabled
}

// Persistence inspects the persistence state of the store.
func Persistence(ctx context.Context, client *redis.Client) (SnapshotInfo, error) {
	info, err := client.Info(ctx, "persistence").Result()
	if err != nil {
		return SnapshotInfo{}, storeErr("info persistence", err)
	}
	s := parseInfo(info)

	pipe := client.Pipeline()
	dir := pipe.ConfigGet(ctx, "dir")
	save := pipe.ConfigGet(ctx, "save")
	if _, err := pipe.Exec(ctx); err != nil {
		return SnapshotInfo{}, storeErr("config get", err)
	}
	s.Dir = dir.Val()["dir"]
	s.SavePolicy = save.Val()["save"]
	return s, nil
}

func parseInfo(info string) SnapshotInfo {
	var s SnapshotInfo
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch key {
		case "rdb_changes_since_last_save":
			s.ChangesSinceSave, _ = strconv.ParseInt(val, 10, 64)
		case "rdb_bgsave_in_progress":
			s.BgsaveInProgress = val == "1"
		case "rdb_last_save_time":
			if sec, err := strconv.ParseInt(val, 10, 64); err == nil && sec > 0 {
				s.LastSave = time.Unix(sec, 0).UTC()
			}
		case "rdb_last_bgsave_status":
			s.LastBgsaveStatus = val
		case "aof_enabled":
			s.AOFEnabled = val == "1"
		}
	}
	return s
}
