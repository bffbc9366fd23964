package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// UploadError is returned by Uploader once an upload is given up.
type UploadError struct {
	Bucket   string
	Key      string
	Attempts int
	// Terminal is set when the error was not worth retrying, as opposed to
	// the attempt budget running out.
	Terminal bool
	Err      error
}

func (e *UploadError) Error() string {
	reason := "retries exhausted"
	if e.Terminal {
		reason = "terminal error"
	}
	return fmt.Sprintf("upload of %s to bucket %s failed after %d attempt(s) (%s): %v",
		e.Key, e.Bucket, e.Attempts, reason, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// terminalCodes are S3 error codes that will not succeed on retry.
var terminalCodes = map[string]bool{
	"AccessDenied":                 true,
	"AccountProblem":               true,
	"AllAccessDisabled":            true,
	"AuthorizationHeaderMalformed": true,
	"ExpiredToken":                 true,
	"InvalidAccessKeyId":           true,
	"InvalidArgument":              true,
	"InvalidBucketName":            true,
	"InvalidRequest":               true,
	"InvalidToken":                 true,
	"MalformedXML":                 true,
	"NoSuchBucket":                 true,
	"PermanentRedirect":            true,
	"SignatureDoesNotMatch":        true,
}

// IsRetryable reports whether an upload error may succeed on another attempt.
// Network failures, throttling and server errors are retryable; cancellation,
// local file errors, authentication and request errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && terminalCodes[apiErr.ErrorCode()] {
		return false
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false
		}
	}

	return true
}
