package xmlda

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// partitionCommandTimeout is the round-trip budget for the status frame
// that gates a partition/flash operation's data phase.
const partitionCommandTimeout = 5 * time.Second

// partitionXML renders one of the CMD:* partition/flash commands
// with its <arg> parameter sub-tree.
func partitionXML(cmd string, args map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%s>", cmd)
	for k, v := range args {
		fmt.Fprintf(&b, "<arg><name>%s</name><value>%s</value></arg>", k, v)
	}
	fmt.Fprintf(&b, "</%s>", cmd)
	return b.String()
}

// awaitReadyStatus sends cmd and blocks until a READY or OK status gates
// the data phase.
func (c *Client) awaitReadyStatus(ctx context.Context, cmd string, args map[string]string) error {
	if err := SendXML(c.handle, partitionXML(cmd, args)); err != nil {
		return err
	}
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, partitionCommandTimeout)
	if err != nil {
		return err
	}
	text := string(payload)
	if !strings.Contains(text, "READY") && !strings.Contains(text, "OK") {
		return fmt.Errorf("xmlda: %s rejected: %q", cmd, text)
	}
	return nil
}

// ReadPartition implements CMD:READ-PARTITION: after the READY/OK gate,
// data frames are consumed until size bytes have been read.
func (c *Client) ReadPartition(ctx context.Context, name string, offset, size uint64) ([]byte, error) {
	args := map[string]string{"partition": name, "offset": fmt.Sprintf("0x%x", offset), "size": fmt.Sprintf("0x%x", size)}
	if err := c.awaitReadyStatus(ctx, "CMD:READ-PARTITION", args); err != nil {
		return nil, c.fail(err)
	}

	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		_, payload, err := RecvFrame(ctx, c.handle, c.sink, partitionCommandTimeout)
		if err != nil {
			return nil, c.fail(err)
		}
		out = append(out, payload...)
		c.progress.Progress("read_partition", int64(len(out)), int64(size))
	}
	return out[:size], nil
}

// WritePartition implements CMD:WRITE-PARTITION: after the READY/OK gate
// the caller's bytes are streamed as data frames, terminated by an OK.
func (c *Client) WritePartition(ctx context.Context, name string, offset uint64, data []byte) error {
	args := map[string]string{"partition": name, "offset": fmt.Sprintf("0x%x", offset), "size": fmt.Sprintf("0x%x", len(data))}
	if err := c.awaitReadyStatus(ctx, "CMD:WRITE-PARTITION", args); err != nil {
		return c.fail(err)
	}

	const chunkSize = 0x10000
	for sent := 0; sent < len(data); sent += chunkSize {
		end := sent + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := SendFrame(c.handle, DataTypeMessage, data[sent:end]); err != nil {
			return c.fail(err)
		}
		c.progress.Progress("write_partition", int64(end), int64(len(data)))
	}

	_, payload, err := RecvFrame(ctx, c.handle, c.sink, partitionCommandTimeout)
	if err != nil {
		return c.fail(err)
	}
	if !strings.Contains(string(payload), "OK") {
		return c.fail(fmt.Errorf("xmlda: write_partition terminator rejected: %q", string(payload)))
	}
	return nil
}

// ErasePartition implements CMD:ERASE-PARTITION.
func (c *Client) ErasePartition(ctx context.Context, name string) error {
	return c.awaitReadyStatus(ctx, "CMD:ERASE-PARTITION", map[string]string{"partition": name})
}

// FormatPartition implements CMD:FORMAT-PARTITION.
func (c *Client) FormatPartition(ctx context.Context, name string) error {
	return c.awaitReadyStatus(ctx, "CMD:FORMAT-PARTITION", map[string]string{"partition": name})
}

// GetPartitionTable implements CMD:GET-PT, returning the device's raw
// partition-table XML/binary reply unparsed; the caller's higher-level
// tooling is responsible for interpreting vendor-specific table formats.
func (c *Client) GetPartitionTable(ctx context.Context) ([]byte, error) {
	if err := SendXML(c.handle, partitionXML("CMD:GET-PT", nil)); err != nil {
		return nil, c.fail(err)
	}
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, partitionCommandTimeout)
	if err != nil {
		return nil, c.fail(err)
	}
	return payload, nil
}

// Reboot implements CMD:REBOOT.
func (c *Client) Reboot(ctx context.Context) error {
	return SendXML(c.handle, partitionXML("CMD:REBOOT", nil))
}

// Shutdown implements CMD:SHUTDOWN.
func (c *Client) Shutdown(ctx context.Context) error {
	return SendXML(c.handle, partitionXML("CMD:SHUTDOWN", nil))
}
