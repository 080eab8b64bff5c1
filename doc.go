/*
Package binlog decodes the MySQL/MariaDB binary log replication protocol.

It is organized around a small pipeline of pull-based stages:

	ByteTransport   -- raw bytes, either a live replication session
	                   (LiveTransport) or a directory of binlog files
	                   (FileTransport)
	ByteSource      -- turns a transport into successive TypedEvent values,
	                   tracking FormatState and file position across Rotate
	                   and FormatDescription events
	EventSource     -- filters ByteSource down to the events a
	                   change-data-capture consumer cares about

Connecting to a live server and reading events:

	lt := binlog.NewLiveTransport("tcp", "127.0.0.1:3306", "root", "secret", 1)
	if err := lt.Dial(ctx); err != nil {
		return err
	}
	if lt.IsSSLSupported() {
		if err := lt.UpgradeSSL(tlsConfig); err != nil {
			return err
		}
	}
	src := binlog.FromDB(lt, "binlog.000001", 4, log)
	for {
		ev, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch d := ev.Data.(type) {
		case binlog.TableMapData:
			// remember d for the table_id it declares
		}
	}

Reading a directory of dumped binlog files works the same way, using
FileTransport and FromFile instead.

The cdc package builds on top of this to turn table-map-correlated row
events into document-store mutation plans.
*/
package binlog
