// Copyright 2026 Unicity Astrid
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package sandbox

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWrapCommandWithoutTransformReturnsArgvUnchanged(t *testing.T) {
	p := Profile{}
	argv := []string{"echo", "hello"}
	require.Equal(t, argv, p.WrapCommand(argv))
}

func TestWrapCommandAppliesTransform(t *testing.T) {
	p := Profile{
		CommandTransform: func(argv []string) []string {
			return append([]string{"nice", "-n", "10"}, argv...)
		},
	}
	wrapped := p.WrapCommand([]string{"echo", "hello"})
	require.Equal(t, []string{"nice", "-n", "10", "echo", "hello"}, wrapped)
}

func TestCommandRejectsEmptyArgv(t *testing.T) {
	p := Profile{}
	_, _, err := p.Command(context.Background(), nil)
	require.Error(t, err)
}

func TestCommandBuildsRunnableCmd(t *testing.T) {
	path, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no 'true' binary on PATH")
	}
	p := Profile{}
	cmd, cleanup, err := p.Command(context.Background(), []string{path})
	require.NoError(t, err)
	defer cleanup()
	require.NoError(t, cmd.Run())
}
