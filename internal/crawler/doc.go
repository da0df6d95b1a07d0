// Package crawler holds the domain model of the harvester: tasks, batches,
// checkpoints, the synchronous page-load result, and the collaborator
// interfaces (sessions, analyzer, network control, publisher) that the pool,
// worker and scheduler depend on. It also defines the error taxonomy used to
// route failures between retry, slot recovery, rotation and termination.
package crawler
