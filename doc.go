// Package pubtrack adds reliability semantics on top of a publish/subscribe
// transport: a fire-and-forget publish becomes a trackable request whose
// eventual response, published by an independent consumer on another subject,
// is correlated back by a field inside the response payload.
//
// The engine manages listener lifecycles dynamically, sweeps timed-out
// requests, survives restarts by recovering listeners for still-pending
// requests under a lease lock shared across process replicas, and retries
// transient failures through a pluggable retry engine.
//
// A minimal setup uses the in-memory transport and store:
//
//	svc, err := pubtrack.NewService(&pubtrack.Config{}, pubtrack.ServiceDependencies{
//		Transport: pubtrack.NewChannelTransport(),
//		Requests:  pubtrack.NewMemoryRequestStore(),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	result, err := svc.PublishWithTracking(ctx, pubtrack.PublishRequest{
//		Subject:         "requests.user.create",
//		Payload:         []byte(`{"userId":"12345","name":"Ada"}`),
//		ResponseSubject: "responses.user.create",
//		ResponseIDField: "userId",
//	})
//
// The listener for the response subject is guaranteed to be active before
// the request message is published, so a response arriving immediately after
// the publish cannot be lost. Production deployments swap in the JetStream
// transport and the PostgreSQL store.
package pubtrack
