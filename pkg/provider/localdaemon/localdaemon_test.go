package localdaemon

import (
	"archive/tar"
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fengcone/OpenSandbox/pkg/labels"
	"github.com/fengcone/OpenSandbox/pkg/sandbox"
)

func TestDockerStateToState(t *testing.T) {
	assert.Equal(t, "Running", string(dockerStateToState(&types.ContainerState{Running: true})))
	assert.Equal(t, "Paused", string(dockerStateToState(&types.ContainerState{Running: true, Paused: true})))
	assert.Equal(t, "Failed", string(dockerStateToState(&types.ContainerState{Dead: true})))
	assert.Equal(t, "Terminated", string(dockerStateToState(&types.ContainerState{Status: "exited"})))
	assert.Equal(t, "Unknown", string(dockerStateToState(nil)))
}

func TestDockerSummaryStateToState(t *testing.T) {
	assert.Equal(t, "Running", string(dockerSummaryStateToState("running")))
	assert.Equal(t, "Paused", string(dockerSummaryStateToState("paused")))
	assert.Equal(t, "Terminated", string(dockerSummaryStateToState("exited")))
	assert.Equal(t, "Unknown", string(dockerSummaryStateToState("weird")))
}

func TestFixedInstallPathsArePOSIX(t *testing.T) {
	assert.Equal(t, "/opt/opensandbox/execd", ExecedInstallPath)
	assert.Equal(t, "/opt/opensandbox/bootstrap.sh", BootstrapPath)
}

func TestResolveExternalEndpointHostMode(t *testing.T) {
	cfg := Config{NetworkMode: NetworkModeHost, BindIP: "10.0.0.1"}
	ep := resolveExternalEndpoint(cfg, nil, 8080)
	assert.Equal(t, "10.0.0.1:8080", ep.Endpoint)
}

func TestResolveExternalEndpointBridgeHTTPPort(t *testing.T) {
	cfg := Config{NetworkMode: NetworkModeBridge, BindIP: "192.168.1.100", HTTPPort: 8080}
	contLabels := map[string]string{
		labels.HTTPPortLabel:           "50001",
		labels.EmbeddingProxyPortLabel: "50002",
	}
	ep := resolveExternalEndpoint(cfg, contLabels, 8080)
	assert.Equal(t, "192.168.1.100:50001", ep.Endpoint)
}

func TestResolveExternalEndpointBridgeOtherPortViaProxy(t *testing.T) {
	cfg := Config{NetworkMode: NetworkModeBridge, BindIP: "192.168.1.100"}
	contLabels := map[string]string{
		labels.HTTPPortLabel:           "50001",
		labels.EmbeddingProxyPortLabel: "50002",
	}
	ep := resolveExternalEndpoint(cfg, contLabels, 6000)
	assert.Equal(t, "192.168.1.100:50002/proxy/6000", ep.Endpoint)
}

func TestAllocateHostPortReturnsDistinctFreePorts(t *testing.T) {
	a, err := allocateHostPort("127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, a)

	// The port from the first allocation is closed again, but a probe right
	// now on the same loopback address must still find a different free port
	// than whatever the OS happens to hand back next.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	assert.NotEqual(t, a, l.Addr().(*net.TCPAddr).Port)
}

func TestBridgePortMappingsMapsConfiguredContainerPorts(t *testing.T) {
	cfg := Config{BindIP: "127.0.0.1", HTTPPort: 8080, EmbeddingProxyPort: 44772}
	exposed, bindings := bridgePortMappings(cfg, 50001, 50002)

	assert.Len(t, exposed, 2)
	httpBinding := bindings["8080/tcp"]
	require.Len(t, httpBinding, 1)
	assert.Equal(t, "50001", httpBinding[0].HostPort)

	proxyBinding := bindings["44772/tcp"]
	require.Len(t, proxyBinding, 1)
	assert.Equal(t, "50002", proxyBinding[0].HostPort)
}

func TestBuildBindsHostVolume(t *testing.T) {
	binds := buildBinds([]sandbox.Volume{{
		Name:      "data",
		MountPath: "/data",
		ReadOnly:  true,
		Source:    sandbox.VolumeSource{Host: &sandbox.HostVolumeSource{Path: "/srv/sandboxes/a"}},
	}})
	require.Len(t, binds, 1)
	assert.Equal(t, "/srv/sandboxes/a:/data:ro", binds[0])
}

func TestBuildBindsHostVolumeWithSubPath(t *testing.T) {
	binds := buildBinds([]sandbox.Volume{{
		Name:      "data",
		MountPath: "/data",
		SubPath:   "logs",
		Source:    sandbox.VolumeSource{Host: &sandbox.HostVolumeSource{Path: "/srv/sandboxes/a"}},
	}})
	require.Len(t, binds, 1)
	assert.Equal(t, "/srv/sandboxes/a/logs:/data", binds[0])
}

func TestBuildBindsPVCVolumeUsesClaimNameAsNamedVolume(t *testing.T) {
	binds := buildBinds([]sandbox.Volume{{
		Name:      "cache",
		MountPath: "/cache",
		Source:    sandbox.VolumeSource{PVC: &sandbox.PVCVolumeSource{ClaimName: "shared-cache"}},
	}})
	require.Len(t, binds, 1)
	assert.Equal(t, "shared-cache:/cache", binds[0])
}

func TestBuildBootstrapArchiveInstallsExecdAndBootstrapAtFixedPaths(t *testing.T) {
	archive, err := buildBootstrapArchive([]byte("fake-binary"), "#!/bin/sh\nexec \"$@\"\n")
	require.NoError(t, err)

	files := map[string][]byte{}
	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		files["/"+hdr.Name] = data
	}

	assert.Equal(t, []byte("fake-binary"), files[ExecedInstallPath])
	assert.Equal(t, "#!/bin/sh\nexec \"$@\"\n", string(files[BootstrapPath]))
}

func TestExtractSingleFileReturnsFirstRegularFileContents(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "execd", Typeflag: tar.TypeReg, Size: 5}))
	_, err := tw.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	data, err := extractSingleFile(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}
