// Package admin serves the management HTTP API of an engine: statistics,
// Prometheus metrics, flusher control, flush parameter tuning and vbucket
// state changes. It does not expose key-value operations.
//
// Routes:
//
//	GET    /metrics                      Prometheus exposition
//	GET    /stats                        JSON statistics snapshot
//	POST   /stats/reset                  clear flush timing statistics
//	GET    /info                         JSON data set summary
//	POST   /flusher/{action}             pause or resume the flusher
//	PUT    /config/{param}/{value}       min_data_age, queue_age_cap, txn_size
//	GET    /vbuckets                     vbucket states
//	PUT    /vbuckets/{id}/{state}        create a vbucket or change its state
//	DELETE /vbuckets/{id}                delete a vbucket
//	GET    /vbuckets/{id}/keys/{key}     key stats of one key
package admin
