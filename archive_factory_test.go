package rseata

import (
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/rseata/internal/storage/disk"
	"pkt.systems/rseata/internal/storage/memory"
)

func TestOpenArchiveBackendMemory(t *testing.T) {
	backend, err := openArchiveBackend(Config{Archive: "mem://"})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	if _, ok := backend.(*memory.Store); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}
	if networkArchive("mem://") {
		t.Fatalf("memory archive is not a network backend")
	}
}

func TestOpenArchiveBackendDisk(t *testing.T) {
	root := t.TempDir()
	backend, err := openArchiveBackend(Config{Archive: "disk://" + root, DiskRetention: time.Hour})
	if err != nil {
		t.Fatalf("open backend: %v", err)
	}
	defer backend.Close()
	store, ok := backend.(*disk.Store)
	if !ok {
		t.Fatalf("expected disk backend, got %T", backend)
	}
	if store.Root() != filepath.Clean(root) {
		t.Fatalf("unexpected root %q", store.Root())
	}
}

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Archive:           "s3://localhost:9000/test-bucket/prefix/path?insecure=1&path-style=1&create-bucket=true",
		S3AccessKeyID:     "minio",
		S3SecretAccessKey: "minio123",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("BuildGenericS3Config: %v", err)
	}
	if s3cfg.Endpoint != "localhost:9000" {
		t.Fatalf("unexpected endpoint: %s", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "test-bucket" || s3cfg.Prefix != "prefix/path" {
		t.Fatalf("unexpected bucket/prefix: %s / %s", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle || !s3cfg.CreateBucket {
		t.Fatalf("expected query flags applied: %+v", s3cfg)
	}
	if s3cfg.CustomCreds == nil {
		t.Fatalf("expected static credentials")
	}
	if summary.AccessKey != "minio" || !summary.HasSecret || summary.Source != "config" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "s3://localhost:9000"}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "mem://"}); err == nil {
		t.Fatalf("expected error for non-s3 archive")
	}
	if _, _, err := BuildGenericS3Config(Config{Archive: "s3://h/b", S3AccessKeyID: "only-key"}); err == nil {
		t.Fatalf("expected error for incomplete credentials")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	cfg := Config{Archive: "aws://my-bucket/prefix?endpoint=localhost:4566&insecure=1", AWSRegion: "us-west-2"}
	awsCfg, _, err := BuildAWSConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAWSConfig: %v", err)
	}
	if awsCfg.Bucket != "my-bucket" || awsCfg.Prefix != "prefix" || awsCfg.Region != "us-west-2" {
		t.Fatalf("unexpected aws config: %+v", awsCfg)
	}
	if awsCfg.Endpoint != "localhost:4566" || !awsCfg.Insecure {
		t.Fatalf("unexpected endpoint settings: %+v", awsCfg)
	}
	if _, _, err := BuildAWSConfig(Config{Archive: "aws://bucket"}); err == nil {
		t.Fatalf("expected error for missing region")
	}
	if !networkArchive(cfg.Archive) {
		t.Fatalf("aws archive is a network backend")
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{Archive: "azure://acct/container/prefix?sas=token", AzureAccountKey: "key"}
	azureCfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("BuildAzureConfig: %v", err)
	}
	if azureCfg.Account != "acct" || azureCfg.Container != "container" || azureCfg.Prefix != "prefix" {
		t.Fatalf("unexpected azure config: %+v", azureCfg)
	}
	if azureCfg.SASToken != "token" || azureCfg.AccountKey != "key" {
		t.Fatalf("unexpected azure credentials: %+v", azureCfg)
	}
	if _, err := BuildAzureConfig(Config{Archive: "azure://acct"}); err == nil {
		t.Fatalf("expected error for missing container")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	cfg, err := BuildDiskConfig(Config{Archive: "disk:///var/lib/rseata/", DiskRetention: time.Hour})
	if err != nil {
		t.Fatalf("BuildDiskConfig: %v", err)
	}
	if cfg.Root != "/var/lib/rseata" || cfg.Retention != time.Hour {
		t.Fatalf("unexpected disk config: %+v", cfg)
	}
	if _, err := BuildDiskConfig(Config{Archive: "disk://"}); err == nil {
		t.Fatalf("expected error for missing path")
	}
}
