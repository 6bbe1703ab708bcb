package arbitrator

import (
	"path/filepath"
	"os"

	"github.com/wimleers/fileconveyor/internal/model"
	"github.com/wimleers/fileconveyor/internal/processor"
	"github.com/wimleers/fileconveyor/internal/store"
	"github.com/wimleers/fileconveyor/internal/transporter"
)

// drainDiscover fully empties discover_queue every tick, regardless of
// batch size (spec.md §4.8: discover is the one stage that must not
// fall behind, since it is what the Filesystem Monitor's callback keeps
// feeding from a goroutine the Arbitrator does not otherwise throttle).
func (a *Arbitrator) drainDiscover() {
	a.mu.Lock()
	items := a.discoverQueue
	a.discoverQueue = nil
	a.mu.Unlock()
	for _, item := range items {
		a.enqueuePipeline(item)
	}
}

// stagePipeline moves up to n items from the durable pipeline_queue
// into the in-memory filter_queue, recording each as in flight in the
// durable files_in_pipeline list (spec.md §4.8).
func (a *Arbitrator) stagePipeline(n int) {
	for i := 0; i < n; i++ {
		item, err := a.pipelineQueue.Get()
		if err != nil {
			return // store.ErrEmpty: nothing more to move this tick
		}
		if err := a.filesInPipeline.Append(item, item.Key()); err != nil {
			a.log.Errorf("files_in_pipeline append failed for %s: %v", item.InputPath, err)
		}
		a.mu.Lock()
		a.filterQueue = append(a.filterQueue, item)
		a.mu.Unlock()
	}
}

// stageFilter evaluates up to n filter_queue items against every
// matching rule, dispatching CREATED/MODIFIED into the process or
// transport queues and DELETED into per-destination delete jobs
// (spec.md §4.5, §4.8).
func (a *Arbitrator) stageFilter(n int) {
	a.mu.Lock()
	if n > len(a.filterQueue) {
		n = len(a.filterQueue)
	}
	items := append([]model.PipelineItem(nil), a.filterQueue[:n]...)
	a.filterQueue = a.filterQueue[n:]
	a.mu.Unlock()

	for _, item := range items {
		a.filterOne(item)
	}
}

func (a *Arbitrator) filterOne(item model.PipelineItem) {
	deleted := item.Event == model.DELETED

	if !deleted && !fileExists(item.InputPath) {
		// The file vanished again between discovery and filtering
		// (spec.md §4.8 filter stage: drop vanished CREATED/MODIFIED).
		a.dropFromPipeline(item)
		return
	}

	matching := a.matchingRules(item.InputPath, deleted)
	if len(matching) == 0 {
		a.dropFromPipeline(item)
		return
	}

	if deleted {
		a.filterDeleted(item, matching)
		return
	}

	for _, r := range matching {
		a.trackPending(item.InputPath)
		if r.HasProcessorChain() {
			a.enqueueProcess(item, r)
		} else {
			a.enqueueTransportDirect(item, r)
		}
	}
}

// filterDeleted implements spec.md §4.8's deletion-delay unschedule-or-
// drop logic: if any matching rule configures a deletion delay, a
// DELETED event only propagates if the path is still scheduled in
// files_to_delete (meaning the deletion did not originate from File
// Conveyor's own scheduled cleanup); otherwise it's dropped as
// self-inflicted.
func (a *Arbitrator) filterDeleted(item model.PipelineItem, matching []model.Rule) {
	delayed := false
	for _, r := range matching {
		if r.DeletionDelay != nil {
			delayed = true
			break
		}
	}
	if delayed {
		if a.filesToDelete.Contains(item.InputPath) {
			if err := a.filesToDelete.Remove(item.InputPath); err != nil {
				a.log.Errorf("files_to_delete unschedule failed for %s: %v", item.InputPath, err)
			}
		} else {
			a.dropFromPipeline(item)
			return
		}
	}

	for _, r := range matching {
		a.trackPending(item.InputPath)
		a.handleDeleteForRule(item, r)
	}
}

// handleDeleteForRule synthesizes the "fake output path" for a deletion
// by looking up the last transported basename in the Synced-Files
// Index (falling back to the input's own basename if no row exists),
// and enqueues a Delete job to every destination (spec.md §4.8 filter
// stage, DELETE handling).
func (a *Arbitrator) handleDeleteForRule(item model.PipelineItem, r model.Rule) {
	key := remKey{item.InputPath, item.Event, r.Label}
	dests := make(map[string]bool, len(r.Destinations))
	for _, d := range r.Destinations {
		dests[d.Server] = true
	}
	a.mu.Lock()
	a.remaining[key] = dests
	a.mu.Unlock()

	basename := filepath.Base(item.InputPath)
	if row, ok, err := a.index.GetAny(item.InputPath); err == nil && ok {
		basename = row.TransportedBasename
	}
	fakeOutput := filepath.Join(filepath.Dir(item.InputPath), basename)

	a.mu.Lock()
	for _, d := range r.Destinations {
		a.transportQueue[d.Server] = append(a.transportQueue[d.Server], transportJob{
			input: item.InputPath, event: item.Event, rule: r.Label, server: d.Server,
			destPrefix: d.PathPrefix, outputFile: fakeOutput, action: transporter.Delete,
		})
	}
	a.mu.Unlock()
}

// enqueueProcess routes a CREATED/MODIFIED item through a rule's
// processor chain: once globally, or once per destination when any
// processor in the chain is both applicable to this file and declares
// itself DifferentPerServer (spec.md §4.6's per-server specialization
// trigger).
func (a *Arbitrator) enqueueProcess(item model.PipelineItem, r model.Rule) {
	key := remKey{item.InputPath, item.Event, r.Label}
	dests := make(map[string]bool, len(r.Destinations))
	for _, d := range r.Destinations {
		dests[d.Server] = true
	}
	a.mu.Lock()
	a.remaining[key] = dests
	a.mu.Unlock()

	if chainSpecializesPerServer(r.ProcessorChain, item.InputPath) {
		for _, d := range r.Destinations {
			a.pushProcessJob(item, r, d.Server)
		}
	} else {
		a.pushProcessJob(item, r, "")
	}
}

func chainSpecializesPerServer(names []string, path string) bool {
	for _, name := range names {
		proc, ok := processor.Lookup(name)
		if !ok {
			continue
		}
		if proc.DifferentPerServer() && processor.WouldProcess(proc, path) {
			return true
		}
	}
	return false
}

func (a *Arbitrator) pushProcessJob(item model.PipelineItem, r model.Rule, server string) {
	src := a.sources[r.Source]
	a.mu.Lock()
	a.processQueue = append(a.processQueue, processJob{item: item, rule: r, server: server, source: src})
	a.mu.Unlock()
}

// enqueueTransportDirect routes a CREATED/MODIFIED item with no
// processor chain straight to every destination, unchanged
// (spec.md §4.6: a rule without a processor chain transports the
// original file as-is).
func (a *Arbitrator) enqueueTransportDirect(item model.PipelineItem, r model.Rule) {
	key := remKey{item.InputPath, item.Event, r.Label}
	dests := make(map[string]bool, len(r.Destinations))
	for _, d := range r.Destinations {
		dests[d.Server] = true
	}
	a.mu.Lock()
	a.remaining[key] = dests
	for _, d := range r.Destinations {
		a.transportQueue[d.Server] = append(a.transportQueue[d.Server], transportJob{
			input: item.InputPath, event: item.Event, rule: r.Label, server: d.Server,
			destPrefix: d.PathPrefix, outputFile: item.InputPath, action: transporter.AddModify,
		})
	}
	a.mu.Unlock()
}

// stageProcess launches up to n queued Processor Chain runs, bounded by
// MaxSimultaneousProcessorChains concurrent chains (spec.md §4.6, §5).
// Each chain runs on its own goroutine; its callbacks route the result
// back into the transport or retry queues.
func (a *Arbitrator) stageProcess(n int) {
	a.mu.Lock()
	avail := MaxSimultaneousProcessorChains - a.activeChains
	if n > avail {
		n = avail
	}
	if n > len(a.processQueue) {
		n = len(a.processQueue)
	}
	if n < 0 {
		n = 0
	}
	jobs := append([]processJob(nil), a.processQueue[:n]...)
	a.processQueue = a.processQueue[n:]
	a.activeChains += len(jobs)
	a.mu.Unlock()

	for _, j := range jobs {
		go a.runProcessJob(j)
	}
}

func (a *Arbitrator) runProcessJob(j processJob) {
	defer func() {
		a.mu.Lock()
		a.activeChains--
		a.mu.Unlock()
	}()

	ctx := processor.Context{
		DocumentRoot:     j.source.DocumentRoot,
		BasePath:         j.source.BasePath,
		ProcessForServer: j.server,
		WorkingDir:       a.workingDir,
	}
	chain := processor.NewChain(j.rule.ProcessorChain, j.item.InputPath, ctx,
		func(input, output string) { a.onProcessSuccess(j, output) },
		func(input string) { a.onProcessError(j) },
	)
	chain.Run(j.item.InputPath)
}

// onProcessSuccess routes a finished chain's output to every
// destination the job was meant for (either all of the rule's
// destinations, for a global chain, or just the one server a
// per-server chain specialized for), and records the output path so
// onRemainingEmpty can clean it up once every destination has it.
func (a *Arbitrator) onProcessSuccess(j processJob, output string) {
	dests := j.rule.Destinations
	if j.server != "" {
		for _, d := range j.rule.Destinations {
			if d.Server == j.server {
				dests = []model.Destination{d}
				break
			}
		}
	}

	a.mu.Lock()
	key := remKey{j.item.InputPath, j.item.Event, j.rule.Label}
	a.chainOutputs[key] = append(a.chainOutputs[key], output)
	for _, d := range dests {
		a.transportQueue[d.Server] = append(a.transportQueue[d.Server], transportJob{
			input: j.item.InputPath, event: j.item.Event, rule: j.rule.Label, server: d.Server,
			destPrefix: d.PathPrefix, outputFile: output, action: transporter.AddModify,
		})
	}
	a.mu.Unlock()
}

func (a *Arbitrator) onProcessError(j processJob) {
	a.mu.Lock()
	a.retryQueue = append(a.retryQueue, j.item)
	a.mu.Unlock()
	// The chain will never complete for any destination now; this
	// rule's propagation is abandoned, not merely delayed.
	a.untrackPending(j.item.InputPath)
}

// stageTransport dispatches up to n queued operations per destination
// server. A job is only popped once the pool has actually accepted it
// (peek-then-get, spec.md §4.8): if every worker is at capacity and the
// pool already has its maximum number of workers, the job is left at
// the front of the queue for the next tick.
func (a *Arbitrator) stageTransport(n int) {
	a.mu.Lock()
	servers := make([]string, 0, len(a.transportQueue))
	for s := range a.transportQueue {
		servers = append(servers, s)
	}
	a.mu.Unlock()

	for _, server := range servers {
		a.stageTransportServer(server, n)
	}
}

func (a *Arbitrator) stageTransportServer(server string, n int) {
	pool, ok := a.pools[server]
	for i := 0; i < n; i++ {
		a.mu.Lock()
		q := a.transportQueue[server]
		if len(q) == 0 {
			a.mu.Unlock()
			return
		}
		job := q[0]
		a.mu.Unlock()

		if !ok {
			a.log.Errorf("no transporter pool for server %q, dropping job for %s", server, job.input)
			a.mu.Lock()
			a.transportQueue[server] = a.transportQueue[server][1:]
			a.mu.Unlock()
			continue
		}

		deferred, err := pool.Dispatch(job.outputFile, job.dstRel(), job.action,
			func(url string) { a.onTransportDone(job, url) },
			func(err error) { a.onTransportError(job, err) })
		if deferred {
			return // leave at front, retry next tick
		}
		a.mu.Lock()
		if len(a.transportQueue[server]) > 0 {
			a.transportQueue[server] = a.transportQueue[server][1:]
		}
		a.mu.Unlock()
		if err != nil {
			a.onTransportError(job, err)
		}
	}
}

func (a *Arbitrator) onTransportDone(job transportJob, url string) {
	a.mu.Lock()
	a.dbQueue = append(a.dbQueue, dbJob{
		input: job.input, event: job.event, rule: job.rule, server: job.server,
		transportedBasename: filepath.Base(job.outputFile), url: url,
	})
	a.mu.Unlock()
}

func (a *Arbitrator) onTransportError(job transportJob, err error) {
	a.log.Errorf("transport of %s to %s failed: %v", job.input, job.server, err)
	a.mu.Lock()
	a.retryQueue = append(a.retryQueue, model.PipelineItem{InputPath: job.input, Event: job.event})
	a.mu.Unlock()
	a.untrackPending(job.input)
}

// stageDB applies up to n completed transport results to the
// Synced-Files Index (spec.md §4.8 DB stage).
func (a *Arbitrator) stageDB(n int) {
	a.mu.Lock()
	if n > len(a.dbQueue) {
		n = len(a.dbQueue)
	}
	jobs := append([]dbJob(nil), a.dbQueue[:n]...)
	a.dbQueue = a.dbQueue[n:]
	a.mu.Unlock()

	for _, j := range jobs {
		a.dbOne(j)
	}
}

func (a *Arbitrator) dbOne(j dbJob) {
	row := model.SyncedFile{InputPath: j.input, TransportedBasename: j.transportedBasename, URL: j.url, Server: j.server}

	switch j.event {
	case model.CREATED:
		if err := a.index.Insert(row); err != nil && err != store.ErrDuplicateRow {
			a.log.Errorf("index insert failed for %s/%s: %v", j.input, j.server, err)
		}
		a.decrementRemaining(j.input, j.event, j.rule, j.server)

	case model.MODIFIED:
		existing, ok, err := a.index.Get(j.input, j.server)
		if err != nil {
			a.log.Errorf("index lookup failed for %s/%s: %v", j.input, j.server, err)
		}
		switch {
		case !ok:
			if err := a.index.Insert(row); err != nil && err != store.ErrDuplicateRow {
				a.log.Errorf("index insert failed for %s/%s: %v", j.input, j.server, err)
			}
			a.decrementRemaining(j.input, j.event, j.rule, j.server)
		case existing.TransportedBasename != j.transportedBasename:
			// The rename-on-modify case (spec.md §4.8 DB stage): update
			// the row now, then jump a DELETE_OLD_FILE job to the front
			// of this destination's transport queue to clean up the
			// stale artifact before counting this propagation done.
			oldBasename := existing.TransportedBasename
			if err := a.index.Update(row); err != nil {
				a.log.Errorf("index update failed for %s/%s: %v", j.input, j.server, err)
			}
			oldOutput := filepath.Join(filepath.Dir(j.input), oldBasename)
			destPrefix := a.destPrefixFor(j.rule, j.server)
			a.mu.Lock()
			a.transportQueue[j.server] = append([]transportJob{{
				input: j.input, event: model.DeleteOldFile, rule: j.rule, server: j.server,
				destPrefix: destPrefix, outputFile: oldOutput, action: transporter.Delete,
			}}, a.transportQueue[j.server]...)
			a.mu.Unlock()
		default:
			if err := a.index.Update(row); err != nil {
				a.log.Errorf("index update failed for %s/%s: %v", j.input, j.server, err)
			}
			a.decrementRemaining(j.input, j.event, j.rule, j.server)
		}

	case model.DELETED:
		if err := a.index.Delete(j.input, j.server); err != nil {
			a.log.Errorf("index delete failed for %s/%s: %v", j.input, j.server, err)
		}
		a.decrementRemaining(j.input, j.event, j.rule, j.server)

	case model.DeleteOldFile:
		// The stale artifact is gone; the MODIFIED propagation this
		// retrofit was blocking on can now count as delivered
		// (spec.md §4.8 DB stage).
		a.decrementRemaining(j.input, model.MODIFIED, j.rule, j.server)
	}
}

// decrementRemaining marks one destination as done for (input, event,
// rule); once every destination has reported in, onRemainingEmpty runs
// the file's final cleanup.
func (a *Arbitrator) decrementRemaining(input string, event model.EventKind, rule, server string) {
	key := remKey{input, event, rule}
	a.mu.Lock()
	set, ok := a.remaining[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(set, server)
	empty := len(set) == 0
	if empty {
		delete(a.remaining, key)
	}
	a.mu.Unlock()
	if empty {
		a.onRemainingEmpty(input, rule)
	}
}

// onRemainingEmpty runs once every destination a rule's propagation
// named has reported success: it deletes any chain-intermediate output
// distinct from the source file, applies the rule's deletion-delay
// policy to the source file itself, and — once every matching rule for
// this input has reached this point — removes the input from
// files_in_pipeline (spec.md §4.8 DB stage).
func (a *Arbitrator) onRemainingEmpty(input, ruleLabel string) {
	a.mu.Lock()
	var outputs []string
	for k, v := range a.chainOutputs {
		if k.input == input && k.rule == ruleLabel {
			outputs = append(outputs, v...)
			delete(a.chainOutputs, k)
		}
	}
	a.mu.Unlock()

	for _, out := range outputs {
		if out != input && fileExists(out) {
			_ = os.Remove(out)
		}
	}

	if r := a.ruleByLabel(ruleLabel); r != nil && r.DeletionDelay != nil {
		delay := *r.DeletionDelay
		if delay == 0 {
			_ = os.Remove(input)
		} else {
			deletion := model.ScheduledDeletion{InputPath: input, EarliestDeletionUnix: a.now().Unix() + int64(delay)}
			if err := a.filesToDelete.Append(deletion, input); err != nil {
				a.log.Errorf("files_to_delete schedule failed for %s: %v", input, err)
			}
		}
	}

	if a.untrackPending(input) {
		a.dropFromPipeline(model.PipelineItem{InputPath: input})
	}
}

// stageFilesToDelete removes up to n source files whose scheduled
// deletion time has arrived (spec.md §4.8).
func (a *Arbitrator) stageFilesToDelete(n int) {
	entries, err := a.filesToDelete.Iterate()
	if err != nil {
		a.log.Errorf("files_to_delete iteration failed: %v", err)
		return
	}
	now := a.now().Unix()
	done := 0
	for _, e := range entries {
		if done >= n {
			return
		}
		if e.Item.EarliestDeletionUnix > now {
			continue
		}
		_ = os.Remove(e.Item.InputPath)
		if err := a.filesToDelete.Remove(e.Key); err != nil {
			a.log.Errorf("files_to_delete removal failed for %s: %v", e.Key, err)
		}
		done++
	}
}

// stageRetryDrain moves up to n items that failed processing or
// transport into the durable failed_files list, deduplicated by input
// path (spec.md §4.8 retry policy, Open Question resolution: dedup by
// input rather than by (input, event), since a file can only
// meaningfully be "failed" once at a time).
func (a *Arbitrator) stageRetryDrain(n int) {
	a.mu.Lock()
	if n > len(a.retryQueue) {
		n = len(a.retryQueue)
	}
	items := append([]model.PipelineItem(nil), a.retryQueue[:n]...)
	a.retryQueue = a.retryQueue[n:]
	a.mu.Unlock()

	for _, item := range items {
		if a.failedFiles.Contains(item.Key()) {
			continue
		}
		if err := a.failedFiles.Append(item, item.Key()); err != nil {
			a.log.Errorf("failed_files append failed for %s: %v", item.InputPath, err)
		}
	}
}

// stageRetryWindow replays up to n failed files back into the pipeline
// queue, either every RetryInterval or immediately whenever the durable
// pipeline queue has room below MaxFilesInPipeline (spec.md §4.8).
func (a *Arbitrator) stageRetryWindow(n int) {
	due := a.now().Sub(a.lastRetry) >= RetryInterval
	below := a.pipelineQueue.Qsize() < MaxFilesInPipeline
	if !due && !below {
		return
	}
	a.lastRetry = a.now()

	entries, err := a.failedFiles.DrainBatch(n)
	if err != nil {
		a.log.Errorf("failed_files drain failed: %v", err)
		return
	}
	for _, e := range entries {
		a.enqueuePipeline(e.Item)
	}
}
