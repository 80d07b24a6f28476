package systems

import (
	"errors"
	"sync"

	"github.com/spaghettifunk/vrstream/engine/core"
)

/** @brief Describes a type of job */
type JobType int

const (
	/** @brief A general job that does not have any specific thread requirements. */
	JOB_TYPE_GENERAL JobType = 0x02
	/** @brief Reads and decodes an asset. CPU only, never touches the GPU. */
	JOB_TYPE_RESOURCE_LOAD JobType = 0x04
)

/**
 * @brief Describes a job to be run.
 */
type JobTask struct {
	JobType JobType
	/** @brief Invoked on a worker when the job starts. Required. */
	OnStart func() (interface{}, error)
	/** @brief Invoked with the result of OnStart when it succeeds. Optional. */
	OnComplete func(result interface{})
	/** @brief Invoked with the error of OnStart when it fails. Optional. */
	OnFailure func(err error)
	/** @brief Invoked after OnComplete or OnFailure, whatever the outcome. Optional. */
	OnCompletionCallback func()
}

/**
 * @brief A fixed pool of workers draining a shared job queue.
 */
type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan JobTask, channelSize),
	}
	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(job)
			}
		}()
	}
}

func (js *JobSystem) run(job JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}
	result, err := job.OnStart()
	if err != nil {
		core.LogError(err.Error())
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

/**
 * @brief Shuts the job system down. Queued jobs still run before it returns.
 */
func (js *JobSystem) Shutdown() error {
	js.closeOnce.Do(func() {
		close(js.jobQueue)
	})
	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while the queue is full.
 * @param jt The description of the job to be executed.
 */
func (js *JobSystem) Submit(jt JobTask) {
	js.jobQueue <- jt
}

// AddWorkNonBlocking queues the job from a new goroutine and returns immediately.
func (js *JobSystem) AddWorkNonBlocking(jt JobTask) {
	go js.Submit(jt)
}

/**
 * @brief Runs fn on the pool and returns a channel that receives its outcome once.
 */
func Go[T any](js *JobSystem, jobType JobType, fn func() (T, error)) <-chan JobResult[T] {
	out := make(chan JobResult[T], 1)
	js.Submit(JobTask{
		JobType: jobType,
		OnStart: func() (interface{}, error) {
			return fn()
		},
		OnComplete: func(result interface{}) {
			v, _ := result.(T)
			out <- JobResult[T]{Value: v}
		},
		OnFailure: func(err error) {
			out <- JobResult[T]{Err: err}
		},
	})
	return out
}

// JobResult is the outcome of a job started with Go.
type JobResult[T any] struct {
	Value T
	Err   error
}
