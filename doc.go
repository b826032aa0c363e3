/*
Package binlog implements the MySQL replication wire protocol: a client
that registers as a replica, streams row-based binlog events from a
server, and decodes them into Go values.

to connect to a server and authenticate:

	c, err := binlog.Dial("tcp", "127.0.0.1:3306")
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Authenticate("repl", "secret"); err != nil {
		return err
	}

to stream events from a known position:

	file, pos, err := c.MasterStatus()
	if err != nil {
		return err
	}
	if err := c.RequestBinlog(1001, file, pos); err != nil {
		return err
	}
	sr, err := c.Stream()
	if err != nil {
		return err
	}
	for {
		ev, err := sr.NextEvent()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		re, ok := ev.Data.(binlog.RowsEvent)
		if !ok {
			continue
		}
		for {
			row, _, err := sr.NextRow()
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
			fmt.Println(re.TableMap.SchemaName, re.TableMap.TableName, row)
		}
	}

a Sink is the push-style equivalent of the loop above:

	err := binlog.Drive(sr, binlog.SinkFunc(func(pos binlog.StreamPosition, ev binlog.Event) binlog.Ack {
		fmt.Println(pos, ev.Header.EventType)
		return binlog.Accept
	}))

this package also supports:
  - relaying the raw event stream to a directory on disk (Client.Relay)
  - replaying a relay directory later, or on another host, as if it were
    a live server (OpenFileStreamSource)
  - GTID-aware position tracking (StreamPosition.GTID)
  - Prometheus metrics and structured logging for both the live and
    file-replay paths (Metrics, NewLogger)

for example usage see cmd/binlogcat/main.go
*/
package binlog
