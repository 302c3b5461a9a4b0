package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"storlets/internal/logging"
)

// Descriptor slots of an executor process.
const (
	fdOutput     = 3
	fdMetadata   = 4
	fdLogger     = 5
	fdFirstInput = 6
)

const completionMarker = "Executed\n"

// TaskSpec is what an executor needs to know besides its descriptors.
type TaskSpec struct {
	TaskID        string              `json:"task_id"`
	Storlet       string              `json:"storlet"`
	ContainerID   string              `json:"container_id,omitempty"`
	ModulePath    string              `json:"module_path,omitempty"`
	ChunkSize     int                 `json:"chunk_size"`
	Inputs        int                 `json:"inputs"`
	InputMetadata []map[string]string `json:"input_metadata,omitempty"`
	Params        map[string]string   `json:"params,omitempty"`
	LogLevel      string              `json:"log_level,omitempty"`
}

// TaskLogger builds the logger of one executor. Every record carries the
// storlet, container, task id and executor pid.
func TaskLogger(spec TaskSpec, format string, outputPaths []string) (*slog.Logger, error) {
	logger, err := logging.NewStorletLogger(spec.LogLevel, format, outputPaths, spec.Storlet, spec.ContainerID)
	if err != nil {
		return nil, err
	}
	return logger.With(logging.String(logging.FieldTaskID, spec.TaskID), logging.Int(logging.FieldPID, os.Getpid())), nil
}

// TaskFiles are the descriptors handed to one executor.
type TaskFiles struct {
	Inputs   []*os.File
	Output   *os.File
	Metadata *os.File
	Logger   *os.File
}

func (f TaskFiles) all() []*os.File {
	out := []*os.File{f.Output, f.Metadata, f.Logger}
	return append(out, f.Inputs...)
}

// DecodeTaskSpec parses the --spec argument of an executor.
func DecodeTaskSpec(raw string) (TaskSpec, error) {
	var spec TaskSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return TaskSpec{}, fmt.Errorf("decode task spec: %w", err)
	}
	if spec.Inputs < 1 {
		return TaskSpec{}, errors.New("task spec declares no inputs")
	}
	return spec, nil
}

// OpenTaskFiles wraps the inherited descriptor slots of an executor process.
func OpenTaskFiles(inputs int) TaskFiles {
	files := TaskFiles{
		Output:   os.NewFile(fdOutput, "output"),
		Metadata: os.NewFile(fdMetadata, "metadata"),
		Logger:   os.NewFile(fdLogger, "logger"),
	}
	for i := range inputs {
		files.Inputs = append(files.Inputs, os.NewFile(uintptr(fdFirstInput+i), fmt.Sprintf("input-%d", i)))
	}
	return files
}

// RunTask performs one invocation: it writes the input object's metadata,
// logs the completion marker and streams every input to the output in
// ChunkSize pieces. All descriptors are closed on return. The logger is used
// as given; TaskLogger builds one with the task attributes.
func RunTask(spec TaskSpec, files TaskFiles, logger *slog.Logger) (err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	defer func() {
		for _, f := range files.all() {
			if f == nil {
				continue
			}
			if cerr := f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) && err == nil {
				err = fmt.Errorf("close %s: %w", f.Name(), cerr)
			}
		}
	}()

	if files.Output == nil || files.Metadata == nil || files.Logger == nil || len(files.Inputs) == 0 {
		return errors.New("executor is missing descriptors")
	}
	chunk := spec.ChunkSize
	if chunk <= 0 {
		chunk = 64 * 1024
	}

	metadata := map[string]string{}
	if len(spec.InputMetadata) > 0 && spec.InputMetadata[0] != nil {
		metadata = spec.InputMetadata[0]
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	logger.Debug("returning metadata")
	if _, err := files.Metadata.Write(encoded); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := files.Metadata.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}

	if _, err := io.WriteString(files.Logger, completionMarker); err != nil {
		return fmt.Errorf("write log: %w", err)
	}

	buf := make([]byte, chunk)
	var total int64
	for i, in := range files.Inputs {
		n, err := streamChunks(files.Output, in, buf)
		total += n
		if err != nil {
			return fmt.Errorf("stream input %d: %w", i, err)
		}
	}
	logger.Debug("task completed", logging.Any("bytes", total))
	return nil
}

func streamChunks(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
