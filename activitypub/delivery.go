package activitypub

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pangolin-social/pangolin/domain"
)

// DefaultDeliveryWorkers bounds how many deliveries are in flight at once.
const DefaultDeliveryWorkers = 5

// outboundTimeout bounds every delivery POST so a hung remote server cannot
// occupy a concurrency slot forever.
const outboundTimeout = 10 * time.Second

type deliveryJob struct {
	task   domain.DeliveryTask
	result chan error
}

// DeliveryQueue signs and POSTs activities to remote inboxes with bounded
// concurrency. Tasks start in FIFO submission order as worker slots free up;
// completion order is unordered. Failed deliveries are reported through the
// per-task result channel and never retried here.
type DeliveryQueue struct {
	client     *http.Client
	domainName string
	tasks      chan deliveryJob
	wg         sync.WaitGroup
}

// NewDeliveryQueue starts a queue with the given concurrency limit.
// A nil client gets the default one with the outbound timeout applied.
func NewDeliveryQueue(client *http.Client, workers int, domainName string) *DeliveryQueue {
	if client == nil {
		client = &http.Client{Timeout: outboundTimeout}
	}
	if workers <= 0 {
		workers = DefaultDeliveryWorkers
	}

	q := &DeliveryQueue{
		client:     client,
		domainName: domainName,
		tasks:      make(chan deliveryJob, 256),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Enqueue submits one delivery of activity to inboxURI, signed as sender.
// The returned channel yields the task's outcome exactly once: nil for a
// 2xx response, the error otherwise.
func (q *DeliveryQueue) Enqueue(activity any, inboxURI string, sender *domain.Account) <-chan error {
	result := make(chan error, 1)

	payload, err := json.Marshal(activity)
	if err != nil {
		result <- fmt.Errorf("failed to marshal activity: %w", err)
		close(result)
		return result
	}

	q.tasks <- deliveryJob{
		task: domain.DeliveryTask{
			InboxURI:      inboxURI,
			Activity:      payload,
			KeyId:         KeyId(q.domainName, sender.Username),
			PrivateKeyPem: sender.PrivateKeyPem,
		},
		result: result,
	}

	return result
}

// Close stops accepting tasks and waits for in-flight deliveries to finish.
func (q *DeliveryQueue) Close() {
	close(q.tasks)
	q.wg.Wait()
}

func (q *DeliveryQueue) worker() {
	defer q.wg.Done()

	for job := range q.tasks {
		err := q.deliver(job.task)
		if err != nil {
			log.Error("Delivery failed", "inbox", job.task.InboxURI, "err", err)
		} else {
			log.Info("Delivered activity", "inbox", job.task.InboxURI)
		}
		job.result <- err
		close(job.result)
	}
}

// deliver performs one signed POST. The task's private key must belong to
// the actor named in its keyId; nothing here signs on anyone else's behalf.
func (q *DeliveryQueue) deliver(task domain.DeliveryTask) error {
	hash := sha256.Sum256(task.Activity)
	digest := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])

	req, err := http.NewRequest("POST", task.InboxURI, bytes.NewReader(task.Activity))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", "pangolin/1.0 ActivityPub")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", digest)

	privateKey, err := ParsePrivateKey(task.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	if err := SignRequest(req, privateKey, task.KeyId); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("remote server returned status: %d", resp.StatusCode)
	}

	return nil
}
