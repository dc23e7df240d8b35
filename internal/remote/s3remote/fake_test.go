package s3remote

import (
	"context"
	"crypto/md5" //nolint:gosec // fake ETags
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

type object struct {
	meta map[string]string
	data []byte
}

type upload struct {
	parts map[int32][]byte
	key   string
}

// fakeS3 is an in-memory bucket implementing API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]object
	uploads map[string]*upload
	copies  int
	creates int
	parts   int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]object), uploads: make(map[string]*upload)}
}

func (f *fakeS3) put(key string, data []byte, meta map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = object{data: data, meta: meta}
}

func (f *fakeS3) get(key string) (object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	return o, ok
}

func (f *fakeS3) abortAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.uploads)
}

func noSuchUpload() error {
	return &smithy.GenericAPIError{Code: "NoSuchUpload", Message: "The specified upload does not exist."}
}

func etag(data []byte) *string {
	sum := md5.Sum(data) //nolint:gosec // fake ETags
	return aws.String(`"` + hex.EncodeToString(sum[:]) + `"`)
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.uploads[id] = &upload{key: aws.ToString(in.Key), parts: make(map[int32][]byte)}
	f.creates++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: in.Key}, nil
}

func (f *fakeS3) ListMultipartUploads(_ context.Context, in *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListMultipartUploadsOutput{}
	for id, u := range f.uploads {
		if strings.HasPrefix(u.key, aws.ToString(in.Prefix)) {
			out.Uploads = append(out.Uploads, types.MultipartUpload{Key: aws.String(u.key), UploadId: aws.String(id)})
		}
	}
	return out, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for n, data := range u.parts {
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(n),
			Size:       aws.Int64(int64(len(data))),
			ETag:       etag(data),
		})
	}
	sort.Slice(out.Parts, func(i, j int) bool {
		return aws.ToInt32(out.Parts[i].PartNumber) < aws.ToInt32(out.Parts[j].PartNumber)
	})
	return out, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[aws.ToString(in.UploadId)]
	if !ok {
		return nil, noSuchUpload()
	}
	u.parts[aws.ToInt32(in.PartNumber)] = data
	f.parts++
	return &s3.UploadPartOutput{ETag: etag(data)}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(in.UploadId)
	u, ok := f.uploads[id]
	if !ok {
		return nil, noSuchUpload()
	}
	var data []byte
	for _, p := range in.MultipartUpload.Parts {
		part, ok := u.parts[aws.ToInt32(p.PartNumber)]
		if !ok || aws.ToString(p.ETag) != aws.ToString(etag(part)) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart"}
		}
		data = append(data, part...)
	}
	f.objects[u.key] = object{data: data}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: in.Key}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(o.data))), Metadata: o.meta}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.put(aws.ToString(in.Key), data, in.Metadata)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, src, _ := strings.Cut(aws.ToString(in.CopySource), "/")
	o, ok := f.objects[src]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: fmt.Sprintf("no object %s", src)}
	}
	f.objects[aws.ToString(in.Key)] = object{data: o.data, meta: in.Metadata}
	f.copies++
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}
