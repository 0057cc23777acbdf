// Package runner maps verification jobs onto sandbox executions. Each
// runner knows the image, file layout, and command for one family of
// code, and classifies the sandbox exit into a verification level.
package runner

import (
	"fmt"
	"time"

	"phiacta-verify/internal/models"
)

// PreparedExecution is everything the sandbox needs to run a job.
type PreparedExecution struct {
	Image     string
	Command   []string
	CodeFiles map[string]string
	DataFiles map[string][]byte
	EnvVars   map[string]string
}

// Output is the structured result of parsing a sandbox run.
type Output struct {
	Files   map[string][]byte
	Logs    string
	Errors  string
	Level   models.VerificationLevel
	Success bool
}

// Runner translates jobs into sandbox executions and classifies results.
// Both methods are pure.
type Runner interface {
	Prepare(job *models.VerificationJob) (PreparedExecution, error)
	ParseOutput(exitCode int, stdout, stderr string, outputFiles map[string][]byte) Output
	DefaultTimeout() time.Duration
}

// notebookWrapper converts a notebook to a plain script with nbconvert
// and executes the result, so no Jupyter kernel runs inside the sandbox.
const notebookWrapper = `"""Wrapper that converts an .ipynb notebook to .py and executes it."""
import subprocess
import sys

convert_result = subprocess.run(
    [
        sys.executable, "-m", "jupyter", "nbconvert",
        "--to", "script",
        "--output-dir", "/code",
        "/code/notebook.ipynb",
    ],
    capture_output=True,
    text=True,
)

if convert_result.returncode != 0:
    print(convert_result.stderr, file=sys.stderr)
    sys.exit(convert_result.returncode)

exec_result = subprocess.run(
    [sys.executable, "/code/notebook.py"],
    capture_output=False,
)
sys.exit(exec_result.returncode)
`

// tableRunner drives every supported language from a declarative spec.
type tableRunner struct {
	image          string
	command        []string
	layout         func(code string) map[string]string
	successLevel   models.VerificationLevel
	defaultTimeout time.Duration
}

func singleFile(name string) func(string) map[string]string {
	return func(code string) map[string]string {
		return map[string]string{name: code}
	}
}

var runnerTable = map[models.RunnerType]tableRunner{
	models.RunnerPythonScript: {
		image:          "phiacta-verify-runner-python:latest",
		command:        []string{"python", "/code/run.py"},
		layout:         singleFile("run.py"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 120 * time.Second,
	},
	models.RunnerPythonNotebook: {
		image:   "phiacta-verify-runner-python:latest",
		command: []string{"python", "/code/run.py"},
		layout: func(code string) map[string]string {
			return map[string]string{
				"notebook.ipynb": code,
				"run.py":         notebookWrapper,
			}
		},
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 120 * time.Second,
	},
	models.RunnerRScript: {
		image:          "phiacta-verify-runner-r:latest",
		command:        []string{"Rscript", "/code/script.R"},
		layout:         singleFile("script.R"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 120 * time.Second,
	},
	models.RunnerRMarkdown: {
		image: "phiacta-verify-runner-r:latest",
		command: []string{
			"Rscript", "-e",
			"rmarkdown::render('/code/input.Rmd', output_dir='/output/')",
		},
		layout:         singleFile("input.Rmd"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 120 * time.Second,
	},
	models.RunnerJulia: {
		image:          "phiacta-verify-runner-julia:latest",
		command:        []string{"julia", "/code/script.jl"},
		layout:         singleFile("script.jl"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 120 * time.Second,
	},
	models.RunnerLean4: {
		image:   "phiacta-verify-runner-lean4:latest",
		command: []string{"lean", "/code/proof.lean"},
		layout:  singleFile("proof.lean"),
		// Exit 0 from lean means the kernel accepted the proof term,
		// which is the strongest guarantee in the hierarchy.
		successLevel:   models.LevelFormallyProven,
		defaultTimeout: 300 * time.Second,
	},
	models.RunnerSymPy: {
		image:          "phiacta-verify-runner-python:latest",
		command:        []string{"python", "/code/symbolic.py"},
		layout:         singleFile("symbolic.py"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 60 * time.Second,
	},
	models.RunnerSage: {
		image:          "phiacta-verify-runner-python:latest",
		command:        []string{"python", "/code/symbolic.py"},
		layout:         singleFile("symbolic.py"),
		successLevel:   models.LevelExecutionVerified,
		defaultTimeout: 60 * time.Second,
	},
}

// ForType returns the runner for a runner type. Unknown types are a
// caller bug.
func ForType(rt models.RunnerType) (Runner, error) {
	r, ok := runnerTable[rt]
	if !ok {
		return nil, fmt.Errorf("unsupported runner type %q", rt)
	}
	return r, nil
}

func (r tableRunner) Prepare(job *models.VerificationJob) (PreparedExecution, error) {
	if job.CodeContent == "" {
		return PreparedExecution{}, fmt.Errorf("job %s has no code content", job.ID)
	}
	return PreparedExecution{
		Image:     r.image,
		Command:   r.command,
		CodeFiles: r.layout(job.CodeContent),
		EnvVars:   job.EnvVars(),
	}, nil
}

func (r tableRunner) ParseOutput(exitCode int, stdout, stderr string, outputFiles map[string][]byte) Output {
	if exitCode == 0 {
		return Output{
			Files:   outputFiles,
			Logs:    stdout,
			Errors:  stderr,
			Level:   r.successLevel,
			Success: true,
		}
	}
	return Output{
		Files:   outputFiles,
		Logs:    stdout,
		Errors:  stderr,
		Level:   models.LevelUnverified,
		Success: false,
	}
}

func (r tableRunner) DefaultTimeout() time.Duration {
	return r.defaultTimeout
}
