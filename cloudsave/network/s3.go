package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

const (
	numCompleteRetries   = 3
	defaultPresignExpiry = time.Hour
	archiveContentType   = "application/zip"
)

// S3Params ...
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint for S3 compatible stores (MinIO, R2).
	Endpoint string
	// UsePathStyle puts the bucket in the path instead of the host name.
	UsePathStyle bool
	KeyPrefix    string
	// PresignExpiry is how long the part URLs stay valid. Default: 1 hour
	PresignExpiry time.Duration
}

// S3Provider runs the multipart upload against an S3 bucket with its own credentials,
// handing out presigned UploadPart URLs as targets.
type S3Provider struct {
	client    *s3.Client
	presigner *s3.PresignClient
	params    S3Params
	logger    log.Logger

	retryWait time.Duration
}

// NewS3Provider ...
func NewS3Provider(ctx context.Context, params S3Params, logger log.Logger) (*S3Provider, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}
	if params.PresignExpiry <= 0 {
		params.PresignExpiry = defaultPresignExpiry
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	var opts []func(*s3.Options)
	if params.Endpoint != "" {
		endpoint := params.Endpoint
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if params.UsePathStyle {
		opts = append(opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(*cfg, opts...)

	return &S3Provider{
		client:    client,
		presigner: s3.NewPresignClient(client),
		params:    params,
		logger:    logger,
		retryWait: 5 * time.Second,
	}, nil
}

// Negotiate creates the multipart upload and presigns one UploadPart URL per part.
func (p *S3Provider) Negotiate(ctx context.Context, params NegotiateParams) (Session, error) {
	if params.NumberOfParts < 1 {
		return Session{}, fmt.Errorf("number of parts must be positive, got %d", params.NumberOfParts)
	}
	key := p.params.KeyPrefix + params.FileName

	created, err := p.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(p.params.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(archiveContentType),
	})
	if err != nil {
		return Session{}, &RejectedError{Stage: StageNegotiate, Reason: fmt.Sprintf("create multipart upload: %s", err), Err: err}
	}
	uploadID := aws.ToString(created.UploadId)
	p.logger.Debugf("Created multipart upload %s for s3://%s/%s", uploadID, p.params.Bucket, key)

	addresses := make([]string, params.NumberOfParts)
	for i := range addresses {
		presigned, err := p.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(p.params.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(i + 1)),
		}, s3.WithPresignExpires(p.params.PresignExpiry))
		if err != nil {
			return Session{}, fmt.Errorf("presign part %d: %w", i+1, err)
		}
		addresses[i] = presigned.URL
	}

	return Session{
		AssetID:         uuid.NewString(),
		ObjectKey:       key,
		UploadID:        uploadID,
		TargetAddresses: addresses,
	}, nil
}

// Complete finalizes the upload, retrying transient failures.
func (p *S3Provider) Complete(ctx context.Context, params CompleteParams) (Acknowledgement, error) {
	if err := ValidateParts(params.Parts, len(params.Parts)); err != nil {
		return nil, err
	}

	completed := make([]types.CompletedPart, len(params.Parts))
	for i, part := range params.Parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	err := retry.Times(numCompleteRetries).Wait(p.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := p.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(p.params.Bucket),
			Key:             aws.String(params.Session.ObjectKey),
			UploadId:        aws.String(params.Session.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err == nil {
			return nil, true
		}

		var apiError smithy.APIError
		if errors.As(err, &apiError) {
			switch apiError.ErrorCode() {
			case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
				return &RejectedError{Stage: StageConfirm, Reason: apiError.ErrorMessage(), Err: err}, true
			}
		}
		if ctx.Err() != nil {
			return ctx.Err(), true
		}
		p.logger.Debugf("Complete attempt %d failed: %s", attempt+1, err)
		return fmt.Errorf("complete multipart upload: %w", err), false
	})
	if err != nil {
		return nil, err
	}

	p.logger.Debugf("Completed multipart upload %s", params.Session.UploadID)
	return Acknowledged{}, nil
}

var _ Provider = (*S3Provider)(nil)

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
