package main

import (
	"bytes"
	"crypto/rand"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

func exitErrorf(msg string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}

// s3probe does a PUT / GET / ranged-GET / DELETE round trip against a
// running proxy with a stock AWS SDK client, verifying the proxy speaks
// enough S3 for standard tooling.
func main() {

	endpoint := flag.String("endpoint", "http://127.0.0.1:8443", "Proxy endpoint")
	bucket := flag.String("bucket", "media", "Bucket to probe")
	key := flag.String("key", "probe/healthcheck.bin", "Object key to write")
	size := flag.Int("size", 256*1024, "Probe object size in bytes")
	keep := flag.Bool("keep", false, "Leave the probe object in place")
	flag.Parse()

	sess, err := session.NewSession(
		aws.NewConfig().
			WithRegion("us-east-1").
			WithS3ForcePathStyle(true).
			WithEndpoint(*endpoint).
			WithCredentials(credentials.NewStaticCredentials("probe", "probe", "")).
			WithHTTPClient(&http.Client{}),
	)
	if err != nil {
		exitErrorf("Unable to create session, %v", err)
	}

	svc := s3.New(sess)

	payload := make([]byte, *size)
	if _, err := rand.Read(payload); err != nil {
		exitErrorf("Unable to build payload, %v", err)
	}

	_, err = svc.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(*bucket),
		Key:    aws.String(*key),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		exitErrorf("PUT failed, %v", err)
	}
	fmt.Printf("PUT  %s/%s (%d bytes)\n", *bucket, *key, len(payload))

	got, err := svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(*bucket),
		Key:    aws.String(*key),
	})
	if err != nil {
		exitErrorf("GET failed, %v", err)
	}
	body, err := io.ReadAll(got.Body)
	got.Body.Close()
	if err != nil {
		exitErrorf("GET read failed, %v", err)
	}
	if !bytes.Equal(body, payload) {
		exitErrorf("GET body mismatch: got %d bytes, want %d", len(body), len(payload))
	}
	fmt.Printf("GET  %s/%s ok\n", *bucket, *key)

	ranged, err := svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(*bucket),
		Key:    aws.String(*key),
		Range:  aws.String("bytes=100-299"),
	})
	if err != nil {
		exitErrorf("Ranged GET failed, %v", err)
	}
	window, err := io.ReadAll(ranged.Body)
	ranged.Body.Close()
	if err != nil {
		exitErrorf("Ranged GET read failed, %v", err)
	}
	if !bytes.Equal(window, payload[100:300]) {
		exitErrorf("Ranged GET mismatch: got %d bytes", len(window))
	}
	fmt.Printf("GET  %s/%s bytes=100-299 ok\n", *bucket, *key)

	if !*keep {
		_, err = svc.DeleteObject(&s3.DeleteObjectInput{
			Bucket: aws.String(*bucket),
			Key:    aws.String(*key),
		})
		if err != nil {
			exitErrorf("DELETE failed, %v", err)
		}
		fmt.Printf("DEL  %s/%s ok\n", *bucket, *key)
	}

	fmt.Println("probe complete")
}
