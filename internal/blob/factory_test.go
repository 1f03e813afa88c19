package blob

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || mem.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", mem, err)
	}
	fsStore, err := Open(ctx, Config{FSRoot: filepath.Join(t.TempDir(), "a")})
	if err != nil || fsStore.Driver() != DriverFilesystem {
		t.Fatalf("default driver should be filesystem: %v %v", fsStore, err)
	}
	s3Store, err := Open(ctx, Config{Driver: DriverS3, S3: S3Config{Bucket: "archive", AccessKeyID: "AKID", SecretAccessKey: "secret"}})
	if err != nil || s3Store.Driver() != DriverS3 {
		t.Fatalf("s3: %v %v", s3Store, err)
	}
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "tape"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}
