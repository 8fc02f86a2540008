package rseata

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/rseata/internal/storage"
	awsstore "pkt.systems/rseata/internal/storage/aws"
	azurestore "pkt.systems/rseata/internal/storage/azure"
	archivecrypto "pkt.systems/rseata/internal/storage/crypto"
	"pkt.systems/rseata/internal/storage/disk"
	"pkt.systems/rseata/internal/storage/memory"
	"pkt.systems/rseata/internal/storage/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// openArchiveBackend builds the storage backend named by cfg.Archive.
func openArchiveBackend(cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return nil, fmt.Errorf("parse archive URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureObjectStoreReady(context.Background(), backend); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	case "aws":
		awscfg, _, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		return backend, nil
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		backend, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
}

// sealArchive wraps backend with at-rest encryption when cfg names an
// archive key file.
func sealArchive(cfg Config, backend storage.Backend) (storage.Backend, error) {
	if cfg.ArchiveKeyFile == "" {
		return backend, nil
	}
	keys, err := archivecrypto.LoadKeyFile(cfg.ArchiveKeyFile)
	if err != nil {
		return nil, err
	}
	return archivecrypto.Wrap(backend, keys), nil
}

// networkArchive reports whether the archive URL names a remote backend
// that benefits from the retry wrapper.
func networkArchive(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "s3", "aws", "azure":
		return true
	}
	return false
}

// BuildGenericS3Config parses s3:// URLs that target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 archive missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 archive missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if ok, set := queryBool(query, "insecure"); set && ok {
		secure = false
	}
	forcePath, _ := queryBool(query, "path-style")
	createBucket, _ := queryBool(query, "create-bucket")
	cred, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         strings.Trim(prefix, "/"),
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CreateBucket:   createBucket,
		CustomCreds:    cred,
	}, summary, nil
}

// BuildAWSConfig parses aws:// URLs that target AWS S3 through the AWS SDK.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws archive missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws archive requires region (set --aws-region or RSEATA_AWS_REGION)")
	}
	insecure, _ := queryBool(query, "insecure")
	return awsstore.Config{
		Endpoint: strings.TrimSpace(query.Get("endpoint")),
		Region:   region,
		Bucket:   bucket,
		Prefix:   strings.Trim(u.Path, "/"),
		Insecure: insecure,
	}, resolveAWSCredentials(), nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("RSEATA_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("RSEATA_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("RSEATA_S3_SESSION_TOKEN")
		source = "env:RSEATA_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		return nil, CredentialSummary{Source: "chain"}, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func resolveAWSCredentials() CredentialSummary {
	summary := CredentialSummary{}
	if access := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID")); access != "" {
		summary.AccessKey = access
		summary.HasSecret = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY")) != ""
		summary.Source = "env:AWS_ACCESS_KEY_ID"
	} else if profile := strings.TrimSpace(os.Getenv("AWS_PROFILE")); profile != "" {
		summary.Source = "profile:" + profile
	} else {
		summary.Source = "auto"
	}
	return summary
}

func ensureObjectStoreReady(ctx context.Context, store *s3.Store) error {
	cfg := store.Config()
	if cfg.CreateBucket {
		return nil
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := store.Client().BucketExists(timeoutCtx, cfg.Bucket)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist (append ?create-bucket=1 to create it)", cfg.Bucket)
	}
	return nil
}

// BuildAzureConfig derives the Azure backend configuration.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure archive missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("RSEATA_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("RSEATA_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     strings.Trim(prefix, "/"),
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Archive)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse archive URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("archive scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if strings.Trim(pathPart, "/") == "" {
		return disk.Config{}, fmt.Errorf("disk archive path required (e.g. disk:///var/lib/rseata)")
	}
	return disk.Config{
		Root:            filepath.Clean(pathPart),
		Retention:       cfg.DiskRetention,
		JanitorInterval: cfg.DiskJanitorInterval,
	}, nil
}

func queryBool(query url.Values, key string) (value, set bool) {
	raw := query.Get(key)
	if raw == "" {
		return false, false
	}
	ok, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return ok, true
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
