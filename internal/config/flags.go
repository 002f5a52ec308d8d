package config

import (
	"time"

	"github.com/spf13/pflag"
)

// BindFlags registers the command line source on fs. The returned function
// collects the flags that were set explicitly, flags left at their zero
// value fall through to the environment.
func BindFlags(fs *pflag.FlagSet) func() Overrides {
	var (
		mode, server, token, source, project, runID string
		archiveDir, bucket, s3Endpoint, caBundle    string
		spoolFile, workerID, esURL, metricsFile     string
		data                                        []string
		noArchive                                   bool
		maxAttempts                                 int
		deliveryTimeout                             time.Duration
	)

	fs.StringVar(&mode, "mode", "", "delivery mode: archive, s3, remote-service or the url of the reporting service")
	fs.StringVar(&server, "server", "", "url of the reporting service")
	fs.StringVar(&token, "token", "", "token used to authenticate with the reporting service")
	fs.StringVar(&source, "source", "", "source of the test run (default \"local\")")
	fs.StringVar(&project, "project", "", "project the run is reported to")
	fs.StringVar(&runID, "run-id", "", "reuse an existing run id")
	fs.StringArrayVar(&data, "data", nil, "extra run metadata as dotted.key=value, may be repeated")
	fs.BoolVar(&noArchive, "no-archive", false, "do not write an archive")
	fs.StringVar(&archiveDir, "archive-dir", "", "directory archives are written to (default \".\")")
	fs.StringVar(&bucket, "bucket", "", "bucket archives are uploaded to")
	fs.StringVar(&s3Endpoint, "s3-endpoint", "", "custom endpoint of the object storage")
	fs.StringVar(&caBundle, "ca-bundle", "", "PEM file with additional root certificates")
	fs.IntVar(&maxAttempts, "max-attempts", 0, "attempts per network call (default 3)")
	fs.DurationVar(&deliveryTimeout, "delivery-timeout", 0, "time to wait for delivery at the end of the session (default 2m)")
	fs.StringVar(&spoolFile, "spool", "", "sqlite file parallel workers write their partial runs to")
	fs.StringVar(&workerID, "worker-id", "", "id of this worker process")
	fs.StringVar(&esURL, "elasticsearch-url", "", "index results into this elasticsearch cluster")
	fs.StringVar(&metricsFile, "metrics-file", "", "write prometheus metrics to this file")

	return func() Overrides {
		o := Overrides{}

		set := func(name string, dst **string, v string) {
			if fs.Changed(name) {
				*dst = &v
			}
		}

		set("mode", &o.Mode, mode)
		set("server", &o.Server, server)
		set("token", &o.Token, token)
		set("source", &o.Source, source)
		set("project", &o.Project, project)
		set("run-id", &o.RunID, runID)
		set("archive-dir", &o.ArchiveDir, archiveDir)
		set("bucket", &o.Bucket, bucket)
		set("s3-endpoint", &o.S3Endpoint, s3Endpoint)
		set("ca-bundle", &o.CABundle, caBundle)
		set("spool", &o.SpoolFile, spoolFile)
		set("worker-id", &o.WorkerID, workerID)
		set("elasticsearch-url", &o.ElasticsearchURL, esURL)
		set("metrics-file", &o.MetricsFile, metricsFile)

		if fs.Changed("data") {
			pairs := Pairs(data)
			o.Data = &pairs
		}
		if fs.Changed("no-archive") {
			o.NoArchive = &noArchive
		}
		if fs.Changed("max-attempts") {
			o.MaxAttempts = &maxAttempts
		}
		if fs.Changed("delivery-timeout") {
			o.DeliveryTimeout = &deliveryTimeout
		}

		return o
	}
}
