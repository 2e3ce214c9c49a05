/*
Package feed pushes status readings into a ridewatch server.

A Batcher buffers readings and hands them to a Transport every FlushEvery
or as soon as MaxBatchSize readings are waiting:

	tr, err := feed.NewHTTP("http://localhost:8080", "")
	if err != nil {
	    return err
	}
	b := feed.New(tr, feed.Config{FlushEvery: 5 * time.Second}, log)
	b.Start(ctx)
	defer b.Stop()

	b.Add(reliability.Reading{
	    EntityID:  "coaster",
	    GroupID:   "park",
	    Timestamp: time.Now(),
	    Status:    reliability.StatusOperating,
	    GroupOpen: true,
	})

NewKafka publishes the same batches to the topic read by the server's
Kafka consumer instead.

Simulator produces synthetic readings for a set of entities, one sample
per entity per tick, for demos and load tests.
*/
package feed
