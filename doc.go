// Package hellofn is a serverless-style function that writes one uniquely
// named greeting object to object storage per invocation, optionally verifies
// a PostgreSQL connection, and answers with a JSON status document.
//
// # Start-up
//
// All clients are built once, before the listener opens. Initialize reads the
// OCI identity (OCI_USER_OCID, OCI_FINGERPRINT, OCI_TENANCY_OCID, OCI_REGION,
// OCI_PRIVATE_KEY_CONTENT) from a snapshot of the environment, rebuilds the
// private key in memory, validates the identity and constructs the storage
// backend. When DB_SECRET_OCID is set, the database bundle is read from the
// secret store and a small pgx pool is opened and probed. Any failure is
// fatal; nothing listens.
//
//	cfg := hellofn.Config{Listen: ":8080"}
//	srv, err := hellofn.NewServer(ctx, cfg, hellofn.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("hellofn: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// # Invocations
//
// POST /call writes <prefix>-<invocation id>.txt into the bucket named by
// TARGET_BUCKET_NAME in namespace OCI_NAMESPACE. The invocation id comes from
// the fn-invoke-id header or is generated. GET /healthz and GET /readyz serve
// liveness and readiness.
//
// # Storage backends
//
// Config.Store selects the backend: oci:// (default), aws://, s3://,
// azure://, disk:// and mem://. Retries are disabled on every backend.
package hellofn
