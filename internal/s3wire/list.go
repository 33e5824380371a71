package s3wire

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ListInput holds the ListObjectsV2 parameters the client supports.
type ListInput struct {
	Prefix            string
	MaxKeys           int
	ContinuationToken string
}

// ListedObject is one <Contents> entry of a listing.
type ListedObject struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// ListOutput is one page of a ListObjectsV2 listing.
type ListOutput struct {
	Objects               []ListedObject
	IsTruncated           bool
	NextContinuationToken string
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string `xml:"Key"`
		LastModified string `xml:"LastModified"`
		Size         int64  `xml:"Size"`
	} `xml:"Contents"`
}

// ListObjectsV2 fetches one page of keys.
func (c *Client) ListObjectsV2(ctx context.Context, in ListInput) (*ListOutput, error) {
	q := url.Values{}
	q.Set("list-type", "2")
	if in.MaxKeys > 0 {
		q.Set("max-keys", strconv.Itoa(in.MaxKeys))
	}
	if in.Prefix != "" {
		q.Set("prefix", in.Prefix)
	}
	if in.ContinuationToken != "" {
		q.Set("continuation-token", in.ContinuationToken)
	}

	resp, err := c.do(ctx, request{method: http.MethodGet, url: c.BucketURL() + "?" + q.Encode()})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("s3wire: read listing: %w", err)
	}

	return parseListObjectsV2(body)
}

// parseListObjectsV2 extracts keys, timestamps, the truncation flag and the
// continuation token from a ListObjectsV2 response body.
func parseListObjectsV2(body []byte) (*ListOutput, error) {
	var result listBucketResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("s3wire: decode listing: %w", err)
	}

	out := &ListOutput{
		IsTruncated:           result.IsTruncated,
		NextContinuationToken: result.NextContinuationToken,
		Objects:               make([]ListedObject, 0, len(result.Contents)),
	}

	for _, entry := range result.Contents {
		obj := ListedObject{Key: entry.Key, Size: entry.Size}
		if t, err := time.Parse(time.RFC3339Nano, entry.LastModified); err == nil {
			obj.LastModified = t.UTC()
		}
		out.Objects = append(out.Objects, obj)
	}

	if !out.IsTruncated {
		out.NextContinuationToken = ""
	} else if out.NextContinuationToken == "" {
		return nil, errors.New("s3wire: truncated listing without a continuation token")
	}

	return out, nil
}
